package opiforge

import (
	"os/exec"
	"strings"
)

// requiredTools must be on PATH before the build starts. Missing ones
// are installed by installPrerequisites.
var requiredTools = []string{
	"git", "make", "gcc", "wget", "curl", "bc",
	"debootstrap", "sgdisk", "mkimage", "rsync",
	"losetup", "mkfs.fat", "mkfs.ext4", "blkid",
}

// buildPackages is the host package set for the full build: cross
// toolchain, kernel build deps, rootfs and image tooling.
var buildPackages = []string{
	"build-essential",
	"gcc-aarch64-linux-gnu",
	"g++-aarch64-linux-gnu",
	"libncurses-dev",
	"gawk", "flex", "bison",
	"openssl", "libssl-dev",
	"libelf-dev", "libudev-dev",
	"bc", "rsync", "kmod", "cpio",
	"device-tree-compiler",
	"u-boot-tools",
	"gdisk",
	"debootstrap",
	"qemu-user-static",
	"dosfstools", "e2fsprogs",
	"xz-utils",
	"git", "wget", "curl",
}

// MinimumFreeSpaceMB is required on the build filesystem before
// anything starts; a kernel tree plus a debootstrapped rootfs plus the
// image plus its compressed copy need this much headroom.
const MinimumFreeSpaceMB = 15 * 1024

// checkDependencies reports which required tools are missing from PATH.
func checkDependencies() []string {
	var missing []string
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	return missing
}

// setupEnvironment validates disk space, creates the working
// directories, and opens the log streams. Insufficient space is fatal
// unless continue-on-error downgrades it in the pipeline.
func setupEnvironment(bc *BuildConfig) (StageResult, *ErrorContext) {
	if err := ensureDir(bc.BuildDir); err != nil {
		return StageFatal, WrapError(ErrUnknown, err, "failed to create build directory")
	}
	if err := ensureDir(bc.OutputDir); err != nil {
		return StageFatal, WrapError(ErrUnknown, err, "failed to create output directory")
	}
	OpenLogFiles()

	free, err := freeSpaceMB(bc.BuildDir)
	if err != nil {
		return StageSoftFail, WrapError(ErrUnknown, err, "could not determine free space")
	}
	if free < MinimumFreeSpaceMB {
		return StageFatal, Errorf(ErrInsufficientSpace,
			"build filesystem has %d MB free, need at least %d MB", free, MinimumFreeSpaceMB)
	}

	if missing := checkDependencies(); len(missing) > 0 {
		logWarn("%d required tools missing, will be installed: %s", len(missing), strings.Join(missing, " "))
	}
	return StageSuccess, nil
}

// installPrerequisites updates the package index and installs the host
// packages. The index update is network-shaped and retried; the
// install itself gets one retry because apt is moody about transient
// mirror errors but a persistent failure means missing dependencies.
func installPrerequisites(run Runner) (StageResult, *ErrorContext) {
	logInfo("Updating package lists")
	update := NewCommand("apt-get", "update")
	if ec := run.ExecuteRetry(update, true, 3); ec != nil {
		return StageFatal, WrapError(ErrNetworkFailure, ec, "failed to update package lists after retries")
	}

	logInfo("Installing build prerequisites")
	args := append([]string{"install", "-y"}, buildPackages...)
	install := NewCommand("apt-get", args...).WithEnv("DEBIAN_FRONTEND=noninteractive")
	if ec := run.ExecuteRetry(install, true, 2); ec != nil {
		return StageFatal, WrapError(ErrDependencyMissing, ec, "failed to install prerequisites after retries")
	}
	return StageSuccess, nil
}
