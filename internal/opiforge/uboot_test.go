package opiforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFlashScript(t *testing.T) {
	layout, err := LayoutForProfile("")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "flash-uboot.sh")
	require.NoError(t, writeFlashScript(path, layout))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	script := string(data)

	assert.Contains(t, script, "#!/bin/sh")
	// Plans replay the same offsets the image engine writes.
	assert.Contains(t, script, "if [ -f u-boot-rockchip.bin ]; then")
	assert.Contains(t, script, "dd if=u-boot-rockchip.bin of=\"$1\" seek=64")
	assert.Contains(t, script, "elif [ -f idbloader.img ] && [ -f u-boot.itb ]; then")
	assert.Contains(t, script, "dd if=u-boot.itb of=\"$1\" seek=16384")
	// Refuses to run without a target device.
	assert.Contains(t, script, `if [ -z "$1" ]`)
}

func TestResolveUBootMainlineAppliesBoardPatches(t *testing.T) {
	ResetCancel()
	bc := testBuildConfig(t)
	bc.UBootCandidates = []SourceCandidate{
		{Label: "mainline", Repo: "https://example.com/u-boot.git", Branch: "master", Mainline: true},
	}

	savedPatches := PatchesDir
	PatchesDir = t.TempDir()
	t.Cleanup(func() { PatchesDir = savedPatches })
	patchDir := filepath.Join(PatchesDir, filepath.Base(bc.UBootDir()))

	run := &scriptRunner{}
	run.handle = func(c Command) *ErrorContext {
		// The patch repo clone materializes the patch set.
		if c.Program == "git" && strings.Contains(c.String(), patchDir) {
			if err := os.MkdirAll(patchDir, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(patchDir, "0001-board.patch"), []byte("diff"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		return nil
	}

	res, ec := resolveUBootSource(run, bc)
	assert.Nil(t, ec)
	assert.Equal(t, StageSuccess, res)
	assert.Equal(t, "https://example.com/u-boot.git", bc.UBootRepo)

	lines := run.commandLines()
	patchClone := firstLineWith(lines, patchDir)
	apply := firstLineWith(lines, "git apply")
	require.GreaterOrEqual(t, patchClone, 0, "the patch repo must be fetched")
	require.GreaterOrEqual(t, apply, 0, "the board patches must be applied")
	assert.Less(t, patchClone, apply)
}

func TestResolveUBootMainlinePatchFailureIsSoft(t *testing.T) {
	ResetCancel()
	bc := testBuildConfig(t)
	bc.UBootCandidates = []SourceCandidate{
		{Label: "mainline", Repo: "https://example.com/u-boot.git", Branch: "master", Mainline: true},
	}

	savedPatches := PatchesDir
	PatchesDir = t.TempDir()
	t.Cleanup(func() { PatchesDir = savedPatches })

	// The faked patch clone leaves the patch dir empty, so the patch
	// pass fails after the source is pinned.
	run := &scriptRunner{}
	res, ec := resolveUBootSource(run, bc)
	require.NotNil(t, ec)
	assert.Equal(t, StageSoftFail, res, "a patch failure must not abort the build")
	assert.Equal(t, "https://example.com/u-boot.git", bc.UBootRepo, "the pinned source survives the patch failure")
}

func TestResolveUBootVendorSkipsPatches(t *testing.T) {
	ResetCancel()
	bc := testBuildConfig(t)
	bc.UBootCandidates = []SourceCandidate{
		{Label: "vendor", Repo: "https://example.com/u-boot-vendor.git", Branch: "v2017.09"},
	}

	run := &scriptRunner{}
	res, ec := resolveUBootSource(run, bc)
	assert.Nil(t, ec)
	assert.Equal(t, StageSuccess, res)
	require.Len(t, run.calls, 1, "a vendor checkout needs no patch pass")
}

func TestUBootDefconfigOrdering(t *testing.T) {
	require.NotEmpty(t, ubootDefconfigs)
	assert.Equal(t, "orangepi_5_plus_defconfig", ubootDefconfigs[0], "board-specific config is tried first")
}
