package opiforge

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/opiforge.conf and apply defaults
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge OPIFORGE_* env overrides
	MergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge OPIFORGE_* env overrides
func MergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "OPIFORGE_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// InitConfig applies the directory layout from the loaded config.
func InitConfig(cfg *Config) {
	BuildDir = cfg.Values["OPIFORGE_BUILD_DIR"]
	if BuildDir == "" {
		BuildDir = filepath.Join(cfg.Values["TMPDIR"], "opiforge_build")
	}

	OutputDir = cfg.Values["OPIFORGE_OUTPUT_DIR"]
	if OutputDir == "" {
		OutputDir = filepath.Join(BuildDir, "output")
	}

	PatchesDir = cfg.Values["OPIFORGE_PATCHES_DIR"]
	if PatchesDir == "" {
		PatchesDir = filepath.Join(BuildDir, "patches")
	}

	CacheStore = cfg.Values["OPIFORGE_CACHE_DIR"]
	if CacheStore == "" {
		CacheStore = filepath.Join(BuildDir, "_cache")
	}

	LogFile = cfg.Values["OPIFORGE_LOG_FILE"]
	if LogFile == "" {
		LogFile = filepath.Join(BuildDir, "build.log")
	}
	ErrLogFile = cfg.Values["OPIFORGE_ERROR_LOG_FILE"]
	if ErrLogFile == "" {
		ErrLogFile = filepath.Join(BuildDir, "build_errors.log")
	}

	Debug = cfg.Values["OPIFORGE_DEBUG"] == "1"
	Verbose = cfg.Values["OPIFORGE_VERBOSE"] == "1"
}

// Hardware defaults for the Orange Pi 5 Plus target.
const (
	DefaultArch         = "arm64"
	DefaultCrossCompile = "aarch64-linux-gnu-"
	DefaultBoard        = "orangepi-5-plus"
	DefaultDTB          = "rk3588-orangepi-5-plus.dtb"
	DefaultHostname     = "orangepi5plus"
	DefaultImageSizeMB  = 8192
	UbuntuCodename      = "jammy"
	UbuntuMirror        = "http://ports.ubuntu.com/"
)

// BuildConfig is the explicit, process-wide build configuration. It is
// created once at startup and passed by pointer into the pipeline and
// every stage; stages read it, only resolution pins into it.
type BuildConfig struct {
	Arch         string
	CrossCompile string
	Jobs         int
	BuildDir     string
	OutputDir    string
	ImageSizeMB  int64
	Profile      string
	DTB          string
	Hostname     string

	// Pinned source configuration. URL and branch are always set
	// together (SetKernelSource/SetUBootSource).
	KernelRepo   string
	KernelBranch string
	UBootRepo    string
	UBootBranch  string

	// Candidate chains tried by source resolution. Populated with the
	// built-in defaults; a board profile may replace either chain.
	KernelCandidates []SourceCandidate
	UBootCandidates  []SourceCandidate

	// Component enable flags. Independent booleans: the image stage
	// must tolerate any combination by failing cleanly.
	BuildKernel bool
	BuildRootfs bool
	BuildUBoot  bool
	BuildGPU    bool
	CreateImage bool

	// Gaming selects the gaming-optimized variant: extra kernel
	// options plus the GPU driver, emulation and desktop rootfs stages.
	Gaming bool

	ContinueOnError bool
	CompressFormat  string // xz, zstd or gzip
}

// NewBuildConfig derives a BuildConfig from the loaded key=value config.
func NewBuildConfig(cfg *Config) *BuildConfig {
	bc := &BuildConfig{
		Arch:           DefaultArch,
		CrossCompile:   DefaultCrossCompile,
		Jobs:           runtime.NumCPU(),
		BuildDir:       BuildDir,
		OutputDir:      OutputDir,
		ImageSizeMB:    DefaultImageSizeMB,
		DTB:            DefaultDTB,
		Hostname:       DefaultHostname,

		KernelCandidates: kernelCandidates,
		UBootCandidates:  ubootCandidates,

		BuildKernel:    true,
		BuildRootfs:    true,
		BuildUBoot:     true,
		BuildGPU:       true,
		CreateImage:    true,
		CompressFormat: "xz",
	}
	if v := cfg.Values["OPIFORGE_ARCH"]; v != "" {
		bc.Arch = v
	}
	if v := cfg.Values["OPIFORGE_CROSS_COMPILE"]; v != "" {
		bc.CrossCompile = v
	}
	if v := cfg.Values["OPIFORGE_JOBS"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			bc.Jobs = n
		}
	}
	if v := cfg.Values["OPIFORGE_IMAGE_SIZE_MB"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			bc.ImageSizeMB = n
		}
	}
	if v := cfg.Values["OPIFORGE_COMPRESS"]; v != "" {
		bc.CompressFormat = v
	}
	if v := cfg.Values["OPIFORGE_PROFILE"]; v != "" {
		bc.Profile = v
	}
	return bc
}

// SetKernelSource pins the kernel repository and branch as a pair.
func (bc *BuildConfig) SetKernelSource(repo, branch string) {
	bc.KernelRepo = repo
	bc.KernelBranch = branch
}

// SetUBootSource pins the U-Boot repository and branch as a pair.
func (bc *BuildConfig) SetUBootSource(repo, branch string) {
	bc.UBootRepo = repo
	bc.UBootBranch = branch
}

// KernelDir is the working tree of the kernel source checkout.
func (bc *BuildConfig) KernelDir() string { return filepath.Join(bc.BuildDir, "kernel") }

// UBootDir is the working tree of the U-Boot source checkout.
func (bc *BuildConfig) UBootDir() string { return filepath.Join(bc.BuildDir, "uboot") }

// RootfsDir is the populated root filesystem tree.
func (bc *BuildConfig) RootfsDir() string { return filepath.Join(bc.BuildDir, "rootfs") }

// CrossEnv returns the environment additions for kernel and U-Boot makes.
func (bc *BuildConfig) CrossEnv() []string {
	return []string{
		"ARCH=" + bc.Arch,
		"CROSS_COMPILE=" + bc.CrossCompile,
	}
}
