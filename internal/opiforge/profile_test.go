package opiforge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "board.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBoardProfile(t *testing.T) {
	path := writeProfile(t, `
name: opi5-minimal
layout: two-partition
dtb: rk3588-orangepi-5.dtb
hostname: opi5
image_size_mb: 4096
kernel:
  - label: custom
    repo: https://example.com/linux.git
    branch: custom-6.8
`)

	p, err := LoadBoardProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "opi5-minimal", p.Name)
	assert.Equal(t, "two-partition", p.Layout)
	require.Len(t, p.Kernel, 1)
	assert.Equal(t, "custom-6.8", p.Kernel[0].Branch)
}

func TestLoadBoardProfileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "layout: two-partition\n"},
		{"unknown layout", "name: x\nlayout: no-such-layout\n"},
		{"negative size", "name: x\nimage_size_mb: -1\n"},
		{"candidate without branch", "name: x\nkernel:\n  - label: a\n    repo: https://example.com/a.git\n"},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBoardProfile(writeProfile(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestBoardProfileApply(t *testing.T) {
	p := &BoardProfile{
		Name:        "opi5-minimal",
		Layout:      "two-partition",
		DTB:         "rk3588-orangepi-5.dtb",
		Hostname:    "opi5",
		ImageSizeMB: 4096,
		UBoot: []ProfileSource{
			{Repo: "https://example.com/u-boot.git", Branch: "rk3588"},
		},
	}

	bc := NewBuildConfig(&Config{Values: map[string]string{}})
	p.Apply(bc)

	assert.Equal(t, "two-partition", bc.Profile)
	assert.Equal(t, "rk3588-orangepi-5.dtb", bc.DTB)
	assert.Equal(t, "opi5", bc.Hostname)
	assert.Equal(t, int64(4096), bc.ImageSizeMB)

	// Kernel chain untouched, U-Boot chain replaced; the label falls
	// back to the repo URL when unset.
	assert.Equal(t, kernelCandidates, bc.KernelCandidates)
	require.Len(t, bc.UBootCandidates, 1)
	assert.Equal(t, "https://example.com/u-boot.git", bc.UBootCandidates[0].Label)
}

func TestBoardProfileApplyKeepsDefaultsWhenEmpty(t *testing.T) {
	p := &BoardProfile{Name: "stock"}
	bc := NewBuildConfig(&Config{Values: map[string]string{}})
	p.Apply(bc)

	assert.Equal(t, "", bc.Profile)
	assert.Equal(t, DefaultDTB, bc.DTB)
	assert.Equal(t, DefaultHostname, bc.Hostname)
	assert.Equal(t, int64(DefaultImageSizeMB), bc.ImageSizeMB)
}
