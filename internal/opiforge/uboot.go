package opiforge

import (
	"fmt"
	"os"
	"path/filepath"
)

// ubootDefconfigs are tried in order (vendor first, then generic
// RK3588 boards) until one configures.
var ubootDefconfigs = []string{
	"orangepi_5_plus_defconfig",
	"orangepi_5_defconfig",
	"rk3588_defconfig",
	"evb-rk3588_defconfig",
}

// ubootArtifacts are collected from the build tree in preference
// order. u-boot-rockchip.bin is the combined image; the idbloader/ITB
// pair is the split fallback the image engine also understands.
var ubootArtifacts = []string{
	"u-boot-rockchip.bin",
	"idbloader.img",
	"u-boot.itb",
	"u-boot.bin",
}

func resolveUBootSource(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	candidates := bc.UBootCandidates
	if len(candidates) == 0 {
		candidates = ubootCandidates
	}
	if bc.UBootRepo != "" {
		candidates = append([]SourceCandidate{
			{Label: "configured", Repo: bc.UBootRepo, Branch: bc.UBootBranch},
		}, candidates...)
	}

	chain := NewSourceChain("u-boot", candidates)
	cand, err := chain.Resolve(run, bc.UBootDir())
	if err != nil {
		if KindOf(err) == ErrUserCancelled {
			return StageFatal, err.(*ErrorContext)
		}
		return StageFatal, WrapError(ErrNetworkFailure, err, "all U-Boot downloads failed")
	}
	bc.SetUBootSource(cand.Repo, cand.Branch)

	if cand.Mainline {
		logInfo("Mainline U-Boot pinned; applying board integration patches")
		if err := ApplyIntegrationPatches(run, bc.UBootDir(), ubootPatchRepo); err != nil {
			// The generic RK3588 defconfigs still build without them.
			return StageSoftFail, WrapError(ErrUnknown, err, "U-Boot patches failed to apply")
		}
	}
	return StageSuccess, nil
}

func configureUBoot(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	dir := bc.UBootDir()
	for _, defconfig := range ubootDefconfigs {
		logInfo("Configuring U-Boot with %s", defconfig)
		make := NewCommand("make", defconfig).InDir(dir).WithEnv(bc.CrossEnv()...)
		if ec := run.Execute(make, true); ec != nil {
			logWarn("Defconfig %s failed, trying next", defconfig)
			continue
		}
		return StageSuccess, nil
	}
	return StageFatal, Errorf(ErrConfigurationFailed, "all U-Boot configuration attempts failed")
}

func buildUBoot(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	logInfo("Building U-Boot with %d jobs", bc.Jobs)
	make := NewCommand("make", fmt.Sprintf("-j%d", bc.Jobs)).
		InDir(bc.UBootDir()).WithEnv(bc.CrossEnv()...)
	if ec := run.Execute(make, true); ec != nil {
		return StageFatal, WrapError(ErrCompilationFailed, ec, "U-Boot build failed")
	}
	return StageSuccess, nil
}

// installUBoot collects the bootloader blobs into the output directory
// and generates the flash helper script.
func installUBoot(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	outDir := filepath.Join(bc.OutputDir, "uboot")
	if err := ensureDir(outDir); err != nil {
		return StageFatal, WrapError(ErrInstallationFailed, err, "U-Boot output directory")
	}

	var installed int
	for _, name := range ubootArtifacts {
		src := filepath.Join(bc.UBootDir(), name)
		if !fileExists(src) {
			continue
		}
		if ec := run.Execute(NewCommand("cp", src, outDir+"/"), false); ec != nil {
			return StageFatal, WrapError(ErrInstallationFailed, ec, "failed to install %s", name)
		}
		installed++
	}
	if installed == 0 {
		return StageFatal, Errorf(ErrInstallationFailed, "no U-Boot artifacts found in %s", bc.UBootDir())
	}

	layout, err := LayoutForProfile(bc.Profile)
	if err != nil {
		return StageFatal, WrapError(ErrInstallationFailed, err, "layout profile")
	}
	scriptPath := filepath.Join(outDir, "flash-uboot.sh")
	if err := writeFlashScript(scriptPath, layout); err != nil {
		return StageFatal, WrapError(ErrInstallationFailed, err, "failed to write flash script")
	}
	logInfo("U-Boot installed; flash script at %s", scriptPath)
	return StageSuccess, nil
}

// writeFlashScript emits a shell script replaying the raw bootloader
// sector writes onto a physical block device given as $1. The offsets
// come from the same layout constants the image engine uses.
func writeFlashScript(path string, layout *PartitionLayout) error {
	var body string
	body += "#!/bin/sh\n"
	body += "# Flash the Orange Pi 5 Plus bootloader to an SD card or eMMC.\n"
	body += "# WARNING: this overwrites the bootloader on the target device.\n"
	body += "# Usage: sudo ./flash-uboot.sh /dev/sdX\n"
	body += "set -e\n"
	body += "if [ -z \"$1\" ]; then\n"
	body += "  echo 'Please specify the target device (e.g. /dev/sdb)' >&2\n"
	body += "  exit 1\n"
	body += "fi\n"

	for i, plan := range layout.BootloaderPlans {
		cond := "if"
		if i > 0 {
			cond = "elif"
		}
		check := ""
		for j, w := range plan {
			if j > 0 {
				check += " && "
			}
			check += fmt.Sprintf("[ -f %s ]", w.Artifact)
		}
		body += fmt.Sprintf("%s %s; then\n", cond, check)
		for _, w := range plan {
			body += fmt.Sprintf("  dd if=%s of=\"$1\" seek=%d conv=notrunc,fsync\n", w.Artifact, w.SeekSec)
		}
	}
	body += "else\n"
	body += "  echo 'U-Boot files not found!' >&2\n"
	body += "  exit 1\n"
	body += "fi\n"
	body += "echo 'U-Boot flashed successfully.'\n"

	return os.WriteFile(path, []byte(body), 0o755)
}
