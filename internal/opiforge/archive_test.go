package opiforge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressImageFormats(t *testing.T) {
	tests := []struct {
		format string
		suffix string
	}{
		{"zstd", ".zst"},
		{"gzip", ".gz"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			img := filepath.Join(t.TempDir(), "test.img")
			require.NoError(t, os.WriteFile(img, make([]byte, 1<<20), 0o644))

			dest, err := compressImage(img, tt.format)
			require.NoError(t, err)
			assert.Equal(t, img+tt.suffix, dest)
			assert.FileExists(t, dest)
			assert.NoFileExists(t, img, "the raw image is removed after compression")

			info, err := os.Stat(dest)
			require.NoError(t, err)
			assert.Less(t, info.Size(), int64(1<<20), "a zero-filled image must compress")
		})
	}
}

func TestCompressImageUnknownFormat(t *testing.T) {
	img := filepath.Join(t.TempDir(), "test.img")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0o644))

	_, err := compressImage(img, "7z")
	require.Error(t, err)
	assert.FileExists(t, img, "the raw image survives a rejected format")
}
