package opiforge

import (
	"path/filepath"
)

// Mali G610 firmware for the RK3588's CSF GPU. The kernel Panfrost
// driver loads this blob at boot; without it the GPU falls back to
// software rendering, which is why every failure in this stage is
// soft.
const (
	maliFirmwareURL = "https://gitlab.com/firefly-linux/external/libmali/-/raw/firefly/firmware/g610/mali_csffw.bin"
	libmaliURL      = "https://github.com/tsukumijima/libmali-rockchip/releases/download/v1.9-1-2d267b0/libmali-valhall-g610-g13p0-x11-wayland-gbm_1.9-1_arm64.deb"
)

// installGPUStack places the Mali firmware and the userspace driver
// package into the rootfs tree. The kernel-side Panfrost options are
// handled by the kernel configure stage.
func installGPUStack(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	rootfs := bc.RootfsDir()
	if !fileExists(rootfs) {
		return StageSoftFail, Errorf(ErrInstallationFailed, "rootfs tree missing, skipping GPU stack")
	}

	logInfo("Fetching Mali G610 firmware")
	fwPath, err := fetchCached(maliFirmwareURL, "")
	if err != nil {
		return StageSoftFail, WrapError(ErrNetworkFailure, err, "Mali firmware download failed")
	}

	fwDir := filepath.Join(rootfs, "lib", "firmware")
	if ec := run.Execute(NewCommand("mkdir", "-p", fwDir), false); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "firmware directory")
	}
	if ec := run.Execute(NewCommand("cp", fwPath, filepath.Join(fwDir, "mali_csffw.bin")), false); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "failed to install Mali firmware")
	}

	logInfo("Fetching libmali userspace driver")
	debPath, err := fetchCached(libmaliURL, "")
	if err != nil {
		return StageSoftFail, WrapError(ErrNetworkFailure, err, "libmali download failed")
	}

	stagedDeb := filepath.Join(rootfs, "tmp", filepath.Base(debPath))
	if ec := run.Execute(NewCommand("cp", debPath, stagedDeb), false); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "failed to stage libmali package")
	}
	install := NewCommand("chroot", rootfs, "/bin/bash", "-c",
		"dpkg -i /tmp/"+filepath.Base(debPath)+" && rm -f /tmp/"+filepath.Base(debPath))
	if ec := run.Execute(install, true); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "libmali install failed")
	}

	logInfo("GPU stack installed")
	return StageSuccess, nil
}
