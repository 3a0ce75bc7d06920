package opiforge

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
	"golang.org/x/term"
)

// compressImage compresses the raw image and removes the original on
// success. Format is xz (default), zstd or gzip. For xz the system
// binary is preferred because it parallelizes across cores; the
// pure-Go writers serve as fallback and as the only path for the
// other formats.
func compressImage(imagePath, format string) (string, error) {
	switch format {
	case "", "xz":
		dest := imagePath + ".xz"
		if _, err := exec.LookPath("xz"); err == nil {
			cmd := exec.Command("xz", "-9", "-T", "0", "-f", imagePath)
			cmd.Stdout = buildLog.MainWriter()
			cmd.Stderr = buildLog.MainWriter()
			if err := cmd.Run(); err != nil {
				return "", fmt.Errorf("xz failed: %w", err)
			}
			return dest, nil
		}
		debugf("System xz not available, falling back to internal xz writer\n")
		if err := compressWith(imagePath, dest, func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		}); err != nil {
			return "", err
		}
		os.Remove(imagePath)
		return dest, nil

	case "zstd":
		dest := imagePath + ".zst"
		if err := compressWith(imagePath, dest, func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		}); err != nil {
			return "", err
		}
		os.Remove(imagePath)
		return dest, nil

	case "gzip":
		dest := imagePath + ".gz"
		if err := compressWith(imagePath, dest, func(w io.Writer) (io.WriteCloser, error) {
			return pgzip.NewWriterLevel(w, pgzip.BestCompression)
		}); err != nil {
			return "", err
		}
		os.Remove(imagePath)
		return dest, nil

	default:
		return "", fmt.Errorf("unknown compression format %q", format)
	}
}

// compressWith streams src through a compressor into dest, showing a
// progress bar when stdout is a terminal.
func compressWith(srcPath, destPath string, newWriter func(io.Writer) (io.WriteCloser, error)) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	cw, err := newWriter(dest)
	if err != nil {
		return err
	}

	var reader io.Reader = src
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.DefaultBytes(info.Size(), "compressing")
		reader = io.TeeReader(src, bar)
	}

	if _, err := io.Copy(cw, reader); err != nil {
		cw.Close()
		os.Remove(destPath)
		return fmt.Errorf("compressing %s: %w", srcPath, err)
	}
	if err := cw.Close(); err != nil {
		os.Remove(destPath)
		return err
	}
	return dest.Sync()
}
