package opiforge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// hashString returns a short blake3 digest used for cache keys.
func hashString(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// blake3File hashes a file with blake3. Used to verify cached
// downloads against a known digest before reuse.
func blake3File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeSHA256Sidecar emits a "<sha256>  <basename>" file next to the
// artifact, in the format sha256sum -c accepts. The sidecar stays
// sha256 because that is what flashing guides and CI consumers verify
// with; blake3 is only used internally.
func writeSHA256Sidecar(artifactPath string) (string, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", artifactPath, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	sidecar := artifactPath + ".sha256"
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(artifactPath))
	if err := os.WriteFile(sidecar, []byte(line), 0o644); err != nil {
		return "", err
	}
	return sidecar, nil
}
