package opiforge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Package sets for the gaming variant. Installed into the rootfs via
// chroot in separate stages so a missing package in one set does not
// take the others down. Every gaming stage is soft: a plain bootable
// image is still worth producing when part of the stack fails.
var (
	// Mesa Panfrost userspace with Vulkan and OpenCL for the Mali G610.
	gamingGPUPackages = []string{
		"mesa-vulkan-drivers", "mesa-opencl-icd", "mesa-va-drivers",
		"libvulkan1", "vulkan-tools", "clinfo", "opencl-headers",
		"libegl1-mesa", "libgles2-mesa", "libgl1-mesa-dri", "libglx-mesa0",
		"libdrm2", "libgbm1", "libwayland-egl1",
	}

	// Development and runtime libraries the emulators and native ports
	// link against.
	gamingLibPackages = []string{
		"libsdl2-dev", "libsdl2-image-dev", "libsdl2-mixer-dev",
		"libsdl2-ttf-dev", "libsdl2-net-dev",
		"libopengles2-mesa-dev", "libglfw3-dev", "libglew-dev",
		"libopenal-dev", "libvorbis-dev", "libtheora-dev",
		"libfreetype6-dev", "libfreeimage-dev", "libglm-dev",
		"libglu1-mesa-dev", "libasound2-dev", "libpulse-dev",
		"libx11-dev", "libxrandr-dev", "libxi-dev",
		"libxinerama-dev", "libxcursor-dev", "libxss1",
	}

	// RetroArch with every packaged libretro core plus the standalone
	// emulators that ship arm64 builds.
	emulationPackages = []string{
		"retroarch", "libretro-*",
		"retroarch-assets", "retroarch-joypad-autoconfig",
		"dosbox", "scummvm", "mednafen",
		"mupen64plus-qt", "ppsspp-qt", "flycast",
	}

	// Lightweight desktop with the gaming toolchain on top.
	gamingDesktopPackages = []string{
		"xfce4", "xfce4-goodies", "lightdm", "lightdm-gtk-greeter",
		"gamemode", "mangohud",
		"pavucontrol", "pulseaudio-module-bluetooth",
		"network-manager-gnome", "blueman", "bluetooth",
	}
)

// Box86/Box64 translate x86 binaries on the RK3588. Both carry a
// dedicated RK3588 cmake profile upstream.
const (
	box64Repo = "https://github.com/ptitSeb/box64"
	box86Repo = "https://github.com/ptitSeb/box86"
)

// chrootApt installs a package set inside the rootfs tree.
func chrootApt(run Runner, rootfs string, packages []string) *ErrorContext {
	script := "apt-get update && apt-get install -y " + strings.Join(packages, " ")
	return run.Execute(NewCommand("chroot", rootfs, "/bin/bash", "-c", script), true)
}

// installGamingGPUDrivers layers the Vulkan/OpenCL userspace on top of
// the base GPU stage and pins the GPU devfreq governor to performance.
func installGamingGPUDrivers(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	rootfs := bc.RootfsDir()
	if !fileExists(rootfs) {
		return StageSoftFail, Errorf(ErrInstallationFailed, "rootfs tree missing, skipping gaming GPU drivers")
	}

	logInfo("Installing gaming GPU drivers (Vulkan, OpenCL)")
	if ec := chrootApt(run, rootfs, gamingGPUPackages); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "gaming GPU driver install failed")
	}

	// The governor node only exists on real hardware; first boot is the
	// earliest this can stick, so the write is best-effort.
	governor := NewCommand("chroot", rootfs, "/bin/bash", "-c",
		"echo performance > /sys/class/devfreq/fb000000.gpu/governor || true")
	run.Execute(governor, true)

	return StageSuccess, nil
}

// installGamingLibraries installs the SDL2/OpenGL ES development and
// runtime libraries.
func installGamingLibraries(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	rootfs := bc.RootfsDir()
	if !fileExists(rootfs) {
		return StageSoftFail, Errorf(ErrInstallationFailed, "rootfs tree missing, skipping gaming libraries")
	}

	logInfo("Installing gaming libraries (SDL2, OpenGL ES, OpenAL)")
	if ec := chrootApt(run, rootfs, gamingLibPackages); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "gaming library install failed")
	}
	return StageSuccess, nil
}

// retroarchConfig is tuned for the Mali G610 under KMS: threaded GL
// with vsync, ALSA at 48 kHz, rewind off to keep cores full-speed.
const retroarchConfig = `video_driver = "gl"
video_context_driver = "kms"
video_vsync = "true"
video_hard_sync = "true"
video_threaded = "true"
video_smooth = "true"
video_fullscreen = "true"
audio_driver = "alsa"
audio_out_rate = "48000"
rewind_enable = "false"
savestate_auto_save = "true"
savestate_auto_load = "true"
input_joypad_driver = "udev"
input_autodetect_enable = "true"
menu_driver = "ozone"
config_save_on_exit = "true"
`

// installEmulationSuite installs RetroArch, the libretro cores and the
// standalone emulators, then drops the tuned RetroArch configuration
// into the default user's home.
func installEmulationSuite(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	rootfs := bc.RootfsDir()
	if !fileExists(rootfs) {
		return StageSoftFail, Errorf(ErrInstallationFailed, "rootfs tree missing, skipping emulation suite")
	}

	logInfo("Installing emulation suite (RetroArch and standalone emulators)")
	if ec := chrootApt(run, rootfs, emulationPackages); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "emulation package install failed")
	}

	staging := filepath.Join(bc.BuildDir, "gaming-conf")
	if err := ensureDir(staging); err != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, err, "gaming config staging dir")
	}
	cfgSrc := filepath.Join(staging, "retroarch.cfg")
	if err := os.WriteFile(cfgSrc, []byte(retroarchConfig), 0o644); err != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, err, "failed to write retroarch.cfg")
	}

	cfgDir := filepath.Join(rootfs, "home", "orangepi", ".config", "retroarch")
	if ec := run.Execute(NewCommand("mkdir", "-p", cfgDir), false); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "retroarch config directory")
	}
	if ec := run.Execute(NewCommand("cp", cfgSrc, cfgDir+"/"), false); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "failed to install retroarch.cfg")
	}
	chown := NewCommand("chroot", rootfs, "/bin/bash", "-c",
		"chown -R orangepi:orangepi /home/orangepi/.config")
	if ec := run.Execute(chown, true); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "config ownership fix failed")
	}

	return StageSuccess, nil
}

// installBox86Box64 cross-builds the x86 translators with their
// upstream RK3588 profiles and installs them straight into the rootfs
// tree. Box86 needs an armhf toolchain; its failure does not block the
// 64-bit translator.
func installBox86Box64(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	rootfs := bc.RootfsDir()
	if !fileExists(rootfs) {
		return StageSoftFail, Errorf(ErrInstallationFailed, "rootfs tree missing, skipping Box86/Box64")
	}

	var failed []string
	for _, repo := range []string{box64Repo, box86Repo} {
		name := filepath.Base(repo)
		if err := buildTranslator(run, bc, repo, name, rootfs); err != nil {
			logWarn("%s build failed: %v", name, err)
			failed = append(failed, name)
		}
	}
	if len(failed) == 2 {
		return StageSoftFail, Errorf(ErrCompilationFailed, "both x86 translators failed to build")
	}

	// Enable the dynarec by default; logging off for speed.
	env := "echo 'export BOX64_DYNAREC=1' >> /etc/environment && " +
		"echo 'export BOX86_DYNAREC=1' >> /etc/environment"
	if ec := run.Execute(NewCommand("chroot", rootfs, "/bin/bash", "-c", env), true); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "translator environment setup failed")
	}

	if len(failed) > 0 {
		return StageSoftFail, Errorf(ErrCompilationFailed, "%s failed to build", strings.Join(failed, ", "))
	}
	return StageSuccess, nil
}

func buildTranslator(run Runner, bc *BuildConfig, repo, name, rootfs string) error {
	srcDir := filepath.Join(bc.BuildDir, name)
	if ec := run.Execute(NewCommand("rm", "-rf", srcDir), false); ec != nil {
		return ec
	}
	clone := NewCommand("git", "clone", "--depth", "1", repo, srcDir)
	if ec := run.ExecuteRetry(clone, true, 2); ec != nil {
		return ec
	}

	buildDir := filepath.Join(srcDir, "build")
	if err := ensureDir(buildDir); err != nil {
		return err
	}
	cmake := NewCommand("cmake", "..", "-DRK3588=1", "-DCMAKE_BUILD_TYPE=RelWithDebInfo").InDir(buildDir)
	if ec := run.Execute(cmake, true); ec != nil {
		return ec
	}
	make := NewCommand("make", fmt.Sprintf("-j%d", bc.Jobs)).InDir(buildDir)
	if ec := run.Execute(make, true); ec != nil {
		return ec
	}
	install := NewCommand("make", "install", "DESTDIR="+rootfs).InDir(buildDir)
	if ec := run.Execute(install, true); ec != nil {
		return ec
	}
	return nil
}

// setupGamingDesktop installs the XFCE desktop with the gaming
// toolchain and enables the graphical and bluetooth services.
func setupGamingDesktop(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	rootfs := bc.RootfsDir()
	if !fileExists(rootfs) {
		return StageSoftFail, Errorf(ErrInstallationFailed, "rootfs tree missing, skipping gaming desktop")
	}

	logInfo("Setting up gaming desktop environment")
	if ec := chrootApt(run, rootfs, gamingDesktopPackages); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "desktop package install failed")
	}

	script := "systemctl enable lightdm bluetooth NetworkManager && " +
		"usermod -a -G gamemode orangepi || true"
	if ec := run.Execute(NewCommand("chroot", rootfs, "/bin/bash", "-c", script), true); ec != nil {
		return StageSoftFail, WrapError(ErrInstallationFailed, ec, "desktop service setup failed")
	}

	return StageSuccess, nil
}
