package opiforge

import (
	"fmt"
	"strings"
)

// RunBuild assembles and executes the full pipeline for one build
// invocation: environment setup, prerequisites, then per enabled
// component source-resolve/configure/compile/install, then image
// assembly. The cleanup hook tears down whatever the image engine has
// attached when the pipeline aborts or is cancelled.
func RunBuild(bc *BuildConfig) error {
	layout, err := LayoutForProfile(bc.Profile)
	if err != nil {
		return err
	}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("partition layout: %w", err)
	}

	asm := NewAssembler(RootExec, bc, layout)

	p := NewPipeline(bc.ContinueOnError, func() {
		if h := asm.Handle(); h != nil {
			logWarn("Cleaning up attached image resources")
			if err := h.Teardown(RootExec); err != nil {
				logError("Cleanup teardown failed: %v", err)
			}
		}
	})

	p.Add("environment-setup", setupEnvironment)
	p.Add("prerequisites", func(bc *BuildConfig) (StageResult, *ErrorContext) {
		return installPrerequisites(RootExec)
	})

	if bc.BuildKernel {
		p.Add("kernel-source", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return resolveKernelSource(UserExec, bc)
		})
		p.Add("kernel-configure", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return configureKernel(UserExec, bc)
		})
		p.Add("kernel-compile", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return buildKernel(UserExec, bc)
		})
	}

	if bc.BuildRootfs {
		p.Add("rootfs", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return buildRootfs(RootExec, bc)
		})
	}

	if bc.BuildKernel {
		// Kernel artifacts land in the rootfs tree, so installation runs
		// after the rootfs stage when both are enabled.
		p.Add("kernel-install", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return installKernel(RootExec, bc)
		})
	}

	if bc.BuildGPU {
		p.Add("gpu-stack", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return installGPUStack(RootExec, bc)
		})
	}

	if bc.Gaming {
		// All gaming stages are soft: the base image is still produced
		// when part of the gaming stack fails.
		p.Add("gaming-gpu-drivers", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return installGamingGPUDrivers(RootExec, bc)
		})
		p.Add("gaming-libraries", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return installGamingLibraries(RootExec, bc)
		})
		p.Add("gaming-emulation", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return installEmulationSuite(RootExec, bc)
		})
		p.Add("gaming-translators", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return installBox86Box64(RootExec, bc)
		})
		p.Add("gaming-desktop", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return setupGamingDesktop(RootExec, bc)
		})
	}

	if bc.BuildUBoot {
		p.Add("uboot-source", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return resolveUBootSource(UserExec, bc)
		})
		p.Add("uboot-configure", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return configureUBoot(UserExec, bc)
		})
		p.Add("uboot-compile", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return buildUBoot(UserExec, bc)
		})
		p.Add("uboot-install", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			return installUBoot(RootExec, bc)
		})
	}

	if bc.CreateImage {
		// Image failures are never downgraded: a half-written image must
		// not be offered as output.
		p.AddFatal("image-assembly", func(bc *BuildConfig) (StageResult, *ErrorContext) {
			if err := asm.Assemble(); err != nil {
				if ec, ok := err.(*ErrorContext); ok {
					return StageFatal, ec
				}
				return StageFatal, WrapError(ErrImageAssemblyFailed, err, "image assembly failed")
			}
			return StageSuccess, nil
		})
	}

	if err := p.Execute(bc); err != nil {
		summarizeFailures(p)
		return err
	}

	if n := len(p.Failures()); n > 0 {
		logWarn("Build completed with %d soft failure(s); see %s", n, ErrLogFile)
	} else {
		logInfo("Build completed successfully")
	}
	return nil
}

// summarizeFailures prints the per-stage failure summary and points at
// the error log artifact.
func summarizeFailures(p *Pipeline) {
	if len(p.Failures()) == 0 {
		return
	}
	var kinds []string
	for _, ec := range p.Failures() {
		kinds = append(kinds, ec.Kind.String())
	}
	logError("Build aborted (%s); full error log: %s", strings.Join(kinds, ", "), ErrLogFile)
}
