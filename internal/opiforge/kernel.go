package opiforge

import (
	"fmt"
	"path/filepath"
	"strings"
)

// kernelDefconfigs are tried in order until one configures. All of
// them failing is a ConfigurationFailed.
var kernelDefconfigs = []string{
	"rockchip_linux_defconfig",
	"defconfig",
}

// kernelFeatures are enabled on top of the defconfig: scheduler and
// timer settings the board images ship with, plus the Rockchip display
// and Panfrost GPU drivers.
var kernelFeatures = []string{
	"CONFIG_PREEMPT_VOLUNTARY",
	"CONFIG_HIGH_RES_TIMERS",
	"CONFIG_SCHED_AUTOGROUP",
	"CONFIG_CFS_BANDWIDTH",
	"CONFIG_ARM_RK3588_CPUFREQ",
	"CONFIG_DRM_PANFROST",
	"CONFIG_DRM_ROCKCHIP",
}

// gamingKernelFeatures are layered on top for the gaming variant:
// full preemption, the BFQ I/O scheduler, BBR congestion control for
// online play and the performance devfreq governor for the GPU.
var gamingKernelFeatures = []string{
	"CONFIG_PREEMPT",
	"CONFIG_IOSCHED_BFQ",
	"CONFIG_TCP_CONG_BBR",
	"CONFIG_DEVFREQ_GOV_PERFORMANCE",
	"CONFIG_TRANSPARENT_HUGEPAGE",
}

// resolveKernelSource runs the fallback chain and pins the winner into
// the BuildConfig. A pinned mainline source additionally gets the
// hardware-integration patches; their failure is soft.
func resolveKernelSource(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	candidates := bc.KernelCandidates
	if len(candidates) == 0 {
		candidates = kernelCandidates
	}
	if bc.KernelRepo != "" {
		// An explicitly configured source becomes the sole preferred
		// candidate; the stock chain remains as fallback.
		candidates = append([]SourceCandidate{
			{Label: "configured", Repo: bc.KernelRepo, Branch: bc.KernelBranch},
		}, candidates...)
	}

	chain := NewSourceChain("kernel", candidates)
	cand, err := chain.Resolve(run, bc.KernelDir())
	if err != nil {
		if KindOf(err) == ErrUserCancelled {
			return StageFatal, err.(*ErrorContext)
		}
		return StageFatal, WrapError(ErrNetworkFailure, err, "failed to download kernel from all sources")
	}
	bc.SetKernelSource(cand.Repo, cand.Branch)

	if cand.Mainline {
		logInfo("Mainline kernel pinned; applying hardware integration patches")
		if err := ApplyIntegrationPatches(run, bc.KernelDir(), kernelPatchRepo); err != nil {
			// Mainline may still build without full hardware support.
			return StageSoftFail, WrapError(ErrUnknown, err, "integration patches failed to apply")
		}
	}
	return StageSuccess, nil
}

// configureKernel runs the defconfig (with fallbacks) and the feature
// enable pass.
func configureKernel(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	dir := bc.KernelDir()

	var configured bool
	for _, defconfig := range kernelDefconfigs {
		logInfo("Configuring kernel with %s", defconfig)
		make := NewCommand("make", defconfig).InDir(dir).WithEnv(bc.CrossEnv()...)
		if ec := run.Execute(make, true); ec != nil {
			logWarn("Defconfig %s failed, trying next", defconfig)
			continue
		}
		configured = true
		break
	}
	if !configured {
		return StageFatal, Errorf(ErrConfigurationFailed,
			"no usable defconfig after trying: %s", strings.Join(kernelDefconfigs, ", "))
	}

	logInfo("Enabling Orange Pi 5 Plus kernel features")
	features := kernelFeatures
	if bc.Gaming {
		logInfo("Adding gaming kernel optimizations")
		features = append(append([]string(nil), kernelFeatures...), gamingKernelFeatures...)
	}
	args := []string{"scripts/config"}
	for _, feature := range features {
		args = append(args, "--enable", feature)
	}
	enable := NewCommand(args[0], args[1:]...).InDir(dir)
	if ec := run.Execute(enable, true); ec != nil {
		// Feature tweaks are best-effort on older vendor trees.
		return StageSoftFail, WrapError(ErrConfigurationFailed, ec, "feature enable pass failed")
	}

	// Refresh the config after the feature pass.
	olddef := NewCommand("make", "olddefconfig").InDir(dir).WithEnv(bc.CrossEnv()...)
	if ec := run.Execute(olddef, true); ec != nil {
		return StageSoftFail, WrapError(ErrConfigurationFailed, ec, "olddefconfig failed")
	}
	return StageSuccess, nil
}

// buildKernel compiles Image, modules and device trees. Compilation
// failures are deterministic and never retried.
func buildKernel(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	logInfo("Compiling kernel with %d jobs", bc.Jobs)
	make := NewCommand("make", fmt.Sprintf("-j%d", bc.Jobs), "Image", "modules", "dtbs").
		InDir(bc.KernelDir()).WithEnv(bc.CrossEnv()...)
	if ec := run.Execute(make, true); ec != nil {
		return StageFatal, WrapError(ErrCompilationFailed, ec, "kernel compilation failed")
	}
	return StageSuccess, nil
}

// installKernel copies the built Image, the board DTB and the modules
// into the rootfs tree. The image assembly stage later lifts the /boot
// artifacts into the boot partition.
func installKernel(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	dir := bc.KernelDir()
	rootfs := bc.RootfsDir()
	bootDir := filepath.Join(rootfs, "boot")

	for _, d := range []string{bootDir, filepath.Join(rootfs, "lib", "modules")} {
		if ec := run.Execute(NewCommand("mkdir", "-p", d), false); ec != nil {
			return StageFatal, WrapError(ErrInstallationFailed, ec, "failed to create %s", d)
		}
	}

	image := filepath.Join(dir, "arch", bc.Arch, "boot", "Image")
	if ec := run.Execute(NewCommand("cp", image, bootDir+"/"), true); ec != nil {
		return StageFatal, WrapError(ErrInstallationFailed, ec, "failed to install kernel image")
	}

	dtb := filepath.Join(dir, "arch", bc.Arch, "boot", "dts", "rockchip", bc.DTB)
	if fileExists(dtb) {
		if ec := run.Execute(NewCommand("cp", dtb, bootDir+"/"), true); ec != nil {
			return StageFatal, WrapError(ErrInstallationFailed, ec, "failed to install device tree")
		}
	} else {
		// Vendor trees sometimes name the DTB differently; install every
		// rk3588 blob and let the boot script pick.
		matches, _ := filepath.Glob(filepath.Join(dir, "arch", bc.Arch, "boot", "dts", "rockchip", "rk3588*.dtb"))
		if len(matches) == 0 {
			return StageFatal, Errorf(ErrInstallationFailed, "no rk3588 device tree found under %s", dir)
		}
		for _, m := range matches {
			if ec := run.Execute(NewCommand("cp", m, bootDir+"/"), false); ec != nil {
				return StageFatal, WrapError(ErrInstallationFailed, ec, "failed to install %s", filepath.Base(m))
			}
		}
	}

	logInfo("Installing kernel modules into rootfs")
	install := NewCommand("make", "INSTALL_MOD_PATH="+rootfs, "modules_install").
		InDir(dir).WithEnv(bc.CrossEnv()...)
	if ec := run.Execute(install, true); ec != nil {
		return StageFatal, WrapError(ErrInstallationFailed, ec, "modules_install failed")
	}
	return StageSuccess, nil
}
