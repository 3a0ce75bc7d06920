package opiforge

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Some firmware hosts are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

// downloadFile fetches a URL into the cache store, preferring curl,
// then wget, then the native HTTP client. A flock around the cache
// entry keeps a re-entrant invocation from corrupting a half-written
// download.
func downloadFile(url, destFile string) error {
	var absPath string
	if filepath.IsAbs(destFile) {
		absPath = destFile
	} else {
		if err := ensureDir(CacheStore); err != nil {
			return err
		}
		absPath = filepath.Join(CacheStore, filepath.Base(destFile))
	}
	if err := ensureDir(filepath.Dir(absPath)); err != nil {
		return err
	}

	lockPath := absPath + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// The file may have appeared while we waited for the lock.
	if fileExists(absPath) {
		debugf("File %s appeared after acquiring lock, skipping download.\n", absPath)
		_ = os.Remove(lockPath)
		return nil
	}

	defer func() {
		if fileExists(absPath) {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", url, absPath)

	// --- Primary choice: curl ---
	if _, err := exec.LookPath("curl"); err == nil {
		cmd := exec.Command("curl", "-L", "--fail", "-sS", "-o", absPath, url)
		cmd.Stdout = io.Discard
		cmd.Stderr = buildLog.MainWriter()
		if err := cmd.Run(); err == nil {
			return nil
		}
		debugf("curl failed, falling back to wget\n")
	}

	// --- Fallback 1: wget ---
	if _, err := exec.LookPath("wget"); err == nil {
		cmd := exec.Command("wget", "-q", "-O", absPath, url)
		cmd.Stdout = io.Discard
		cmd.Stderr = buildLog.MainWriter()
		if err := cmd.Run(); err == nil {
			debugf("Download successful with wget.\n")
			return nil
		}
		debugf("wget failed, falling back to native Go HTTP client\n")
	}

	// --- Fallback 2: native Go HTTP client ---
	out, err := os.Create(absPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", absPath, err)
	}
	defer out.Close()

	resp, err := newHTTPClient().Get(url)
	if err != nil {
		os.Remove(absPath)
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		os.Remove(absPath)
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(absPath)
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// fetchCached downloads url into the cache keyed by its hash and
// returns the cached path. With a non-empty wantB3 the cached file is
// verified and re-downloaded once on mismatch.
func fetchCached(url, wantB3 string) (string, error) {
	name := fmt.Sprintf("%s-%s", hashString(url), filepath.Base(url))
	cachePath := filepath.Join(CacheStore, name)

	for attempt := 0; attempt < 2; attempt++ {
		if !fileExists(cachePath) {
			if err := downloadFile(url, cachePath); err != nil {
				return "", err
			}
		}
		if wantB3 == "" {
			return cachePath, nil
		}
		got, err := blake3File(cachePath)
		if err != nil {
			return "", err
		}
		if got == wantB3 {
			return cachePath, nil
		}
		logWarn("Checksum mismatch for %s, re-downloading", filepath.Base(url))
		os.Remove(cachePath)
	}
	return "", fmt.Errorf("checksum mismatch for %s after re-download", url)
}
