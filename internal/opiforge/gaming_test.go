package opiforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRootfs(t *testing.T, bc *BuildConfig) {
	t.Helper()
	require.NoError(t, os.MkdirAll(bc.RootfsDir(), 0o755))
}

func TestGamingStagesSoftFailWithoutRootfs(t *testing.T) {
	stages := map[string]func(Runner, *BuildConfig) (StageResult, *ErrorContext){
		"gpu-drivers": installGamingGPUDrivers,
		"libraries":   installGamingLibraries,
		"emulation":   installEmulationSuite,
		"translators": installBox86Box64,
		"desktop":     setupGamingDesktop,
	}
	for name, stage := range stages {
		t.Run(name, func(t *testing.T) {
			bc := testBuildConfig(t)
			run := &scriptRunner{}
			res, ec := stage(run, bc)
			assert.Equal(t, StageSoftFail, res)
			require.NotNil(t, ec)
			assert.Empty(t, run.calls, "no command may run against a missing rootfs")
		})
	}
}

func TestInstallGamingGPUDrivers(t *testing.T) {
	bc := testBuildConfig(t)
	seedRootfs(t, bc)
	run := &scriptRunner{}

	res, ec := installGamingGPUDrivers(run, bc)
	assert.Nil(t, ec)
	assert.Equal(t, StageSuccess, res)

	lines := run.commandLines()
	apt := firstLineWith(lines, "mesa-vulkan-drivers")
	require.GreaterOrEqual(t, apt, 0)
	assert.Contains(t, lines[apt], "chroot "+bc.RootfsDir())
	assert.Contains(t, lines[apt], "vulkan-tools")
	assert.Contains(t, lines[apt], "mesa-opencl-icd")

	gov := firstLineWith(lines, "devfreq")
	require.GreaterOrEqual(t, gov, 0)
	assert.Contains(t, lines[gov], "performance")
}

func TestInstallGamingLibrariesFailureIsSoft(t *testing.T) {
	bc := testBuildConfig(t)
	seedRootfs(t, bc)
	run := &scriptRunner{}
	run.handle = func(c Command) *ErrorContext {
		return Errorf(ErrInstallationFailed, "apt broke")
	}

	res, ec := installGamingLibraries(run, bc)
	assert.Equal(t, StageSoftFail, res)
	require.NotNil(t, ec)
	assert.Equal(t, ErrInstallationFailed, ec.Kind)
}

func TestInstallEmulationSuiteWritesRetroArchConfig(t *testing.T) {
	bc := testBuildConfig(t)
	seedRootfs(t, bc)
	run := &scriptRunner{}

	res, ec := installEmulationSuite(run, bc)
	assert.Nil(t, ec)
	assert.Equal(t, StageSuccess, res)

	staged := filepath.Join(bc.BuildDir, "gaming-conf", "retroarch.cfg")
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	cfg := string(data)
	assert.Contains(t, cfg, `video_driver = "gl"`)
	assert.Contains(t, cfg, `video_context_driver = "kms"`)
	assert.Contains(t, cfg, `rewind_enable = "false"`)

	lines := run.commandLines()
	apt := firstLineWith(lines, "retroarch")
	require.GreaterOrEqual(t, apt, 0)
	assert.Contains(t, lines[apt], "libretro-*")

	install := firstLineWith(lines, filepath.Join(".config", "retroarch"))
	chown := firstLineWith(lines, "chown -R orangepi:orangepi")
	require.GreaterOrEqual(t, install, 0, "the tuned config must land in the user home")
	require.GreaterOrEqual(t, chown, 0, "the config tree must be handed to the default user")
	assert.Less(t, install, chown)
}

func TestInstallBox86Box64(t *testing.T) {
	bc := testBuildConfig(t)
	bc.Jobs = 4
	seedRootfs(t, bc)
	run := &scriptRunner{}

	res, ec := installBox86Box64(run, bc)
	assert.Nil(t, ec)
	assert.Equal(t, StageSuccess, res)

	lines := run.commandLines()
	for _, name := range []string{"box64", "box86"} {
		clone := firstLineWith(lines, "ptitSeb/"+name)
		require.GreaterOrEqual(t, clone, 0, "%s must be fetched", name)
	}
	cmake := firstLineWith(lines, "-DRK3588=1")
	install := firstLineWith(lines, "DESTDIR="+bc.RootfsDir())
	env := firstLineWith(lines, "BOX64_DYNAREC=1")
	require.GreaterOrEqual(t, cmake, 0)
	require.GreaterOrEqual(t, install, 0)
	require.GreaterOrEqual(t, env, 0)
	assert.Less(t, cmake, install)
	assert.Less(t, install, env)
}

func TestInstallBox86FailureKeepsBox64(t *testing.T) {
	bc := testBuildConfig(t)
	bc.Jobs = 4
	seedRootfs(t, bc)
	run := &scriptRunner{}
	run.handle = func(c Command) *ErrorContext {
		if strings.Contains(c.String(), "box86") {
			return Errorf(ErrCompilationFailed, "no armhf toolchain")
		}
		return nil
	}

	res, ec := installBox86Box64(run, bc)
	assert.Equal(t, StageSoftFail, res)
	require.NotNil(t, ec)
	assert.Contains(t, ec.Error(), "box86")

	lines := run.commandLines()
	assert.GreaterOrEqual(t, firstLineWith(lines, "BOX64_DYNAREC=1"), 0,
		"the surviving translator still gets its environment")
}

func TestSetupGamingDesktop(t *testing.T) {
	bc := testBuildConfig(t)
	seedRootfs(t, bc)
	run := &scriptRunner{}

	res, ec := setupGamingDesktop(run, bc)
	assert.Nil(t, ec)
	assert.Equal(t, StageSuccess, res)

	lines := run.commandLines()
	apt := firstLineWith(lines, "xfce4")
	require.GreaterOrEqual(t, apt, 0)
	assert.Contains(t, lines[apt], "gamemode")
	assert.Contains(t, lines[apt], "lightdm")

	services := firstLineWith(lines, "systemctl enable lightdm")
	require.GreaterOrEqual(t, services, 0)
	assert.Contains(t, lines[services], "bluetooth")
}

func TestConfigureKernelAddsGamingFeatures(t *testing.T) {
	bc := testBuildConfig(t)
	require.NoError(t, os.MkdirAll(bc.KernelDir(), 0o755))

	for _, gaming := range []bool{false, true} {
		bc.Gaming = gaming
		run := &scriptRunner{}
		res, ec := configureKernel(run, bc)
		assert.Nil(t, ec)
		assert.Equal(t, StageSuccess, res)

		lines := run.commandLines()
		enable := firstLineWith(lines, "scripts/config")
		require.GreaterOrEqual(t, enable, 0)
		assert.Contains(t, lines[enable], "CONFIG_DRM_PANFROST")
		if gaming {
			assert.Contains(t, lines[enable], "CONFIG_TCP_CONG_BBR")
		} else {
			assert.NotContains(t, lines[enable], "CONFIG_TCP_CONG_BBR")
		}
	}
}
