package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opiforge/internal/opiforge"
)

func usage() {
	fmt.Println("Usage: opiforge <command> [args...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  build     Run the full pipeline: kernel, rootfs, U-Boot, GPU stack, image")
	fmt.Println("  kernel    Build only the kernel")
	fmt.Println("  uboot     Build only U-Boot")
	fmt.Println("  rootfs    Build only the Ubuntu root filesystem")
	fmt.Println("  image     Assemble the disk image from existing build artifacts")
	fmt.Println("  publish   Upload finalized images to the release bucket")
	fmt.Println("  cleanup   Remove build artifacts, caches and stale loop devices")
	fmt.Println("  version   Print version information")
}

// buildFlags attaches the shared pipeline flags to a flag set and
// returns the destinations.
type buildOptions struct {
	continueOnError *bool
	gaming          *bool
	profilePath     *string
	imageSizeMB     *int64
	compress        *string
	jobs            *int
	kernelRepo      *string
	kernelBranch    *string
	ubootRepo       *string
	ubootBranch     *string
}

func addBuildFlags(fs *flag.FlagSet) *buildOptions {
	return &buildOptions{
		continueOnError: fs.Bool("continue-on-error", false, "Keep building after a component stage fails."),
		gaming:          fs.Bool("gaming", false, "Gaming variant: kernel tuning, Vulkan/OpenCL drivers, emulators, Box86/Box64, desktop."),
		profilePath:     fs.String("board-profile", "", "Path to a YAML board profile."),
		imageSizeMB:     fs.Int64("image-size", 0, "Image size in MB (overrides config)."),
		compress:        fs.String("compress", "", "Compression format: xz, zstd or gzip."),
		jobs:            fs.Int("jobs", 0, "Parallel make jobs (default: CPU count)."),
		kernelRepo:      fs.String("kernel-repo", "", "Kernel git repository (tried before the built-in chain)."),
		kernelBranch:    fs.String("kernel-branch", "", "Kernel git branch; required with -kernel-repo."),
		ubootRepo:       fs.String("uboot-repo", "", "U-Boot git repository (tried before the built-in chain)."),
		ubootBranch:     fs.String("uboot-branch", "", "U-Boot git branch; required with -uboot-repo."),
	}
}

func (o *buildOptions) apply(bc *opiforge.BuildConfig) error {
	if *o.continueOnError {
		bc.ContinueOnError = true
	}
	if *o.gaming {
		bc.Gaming = true
	}
	if *o.imageSizeMB > 0 {
		bc.ImageSizeMB = *o.imageSizeMB
	}
	if *o.compress != "" {
		bc.CompressFormat = *o.compress
	}
	if *o.jobs > 0 {
		bc.Jobs = *o.jobs
	}
	if (*o.kernelRepo == "") != (*o.kernelBranch == "") {
		return fmt.Errorf("-kernel-repo and -kernel-branch must be given together")
	}
	if (*o.ubootRepo == "") != (*o.ubootBranch == "") {
		return fmt.Errorf("-uboot-repo and -uboot-branch must be given together")
	}
	if *o.kernelRepo != "" {
		bc.SetKernelSource(*o.kernelRepo, *o.kernelBranch)
	}
	if *o.ubootRepo != "" {
		bc.SetUBootSource(*o.ubootRepo, *o.ubootBranch)
	}
	if *o.profilePath != "" {
		profile, err := opiforge.LoadBoardProfile(*o.profilePath)
		if err != nil {
			return err
		}
		profile.Apply(bc)
	}
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if opiforge.InCritical() {
					fmt.Printf("\n[WARNING] Critical operation in progress (raw write or teardown). Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						fmt.Println("\n[FATAL] Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				}

				fmt.Printf("\n[INFO] Received %v. Cancelling build gracefully...\n", sig)
				opiforge.RequestCancel()
				cancel()

				// Give running commands a moment to die and flush.
				time.Sleep(100 * time.Millisecond)

				select {
				case <-sigs:
					fmt.Println("\n[FATAL] Second interrupt received. Forcing immediate exit.")
					os.Exit(130)
				case <-time.After(500 * time.Millisecond):
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if len(os.Args) < 2 {
		usage()
		return
	}

	cfg, err := opiforge.LoadConfig(opiforge.ConfigFile)
	if err != nil {
		fmt.Println("Warning: could not read config:", err)
	}
	opiforge.InitConfig(cfg)

	opiforge.UserExec = opiforge.NewExecutor(ctx)
	opiforge.RootExec = opiforge.NewExecutor(ctx)
	opiforge.RootExec.ShouldRunAsRoot = true

	defer opiforge.CloseLogFiles()

	command := os.Args[1]
	args := os.Args[2:]

	run := func(fn func(*opiforge.BuildConfig) error) {
		fs := flag.NewFlagSet(command, flag.ExitOnError)
		opts := addBuildFlags(fs)
		if err := fs.Parse(args); err != nil {
			os.Exit(2)
		}
		bc := opiforge.NewBuildConfig(cfg)
		if err := opts.apply(bc); err != nil {
			fmt.Println("Error:", err)
			os.Exit(2)
		}
		if err := fn(bc); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	}

	switch command {
	case "version":
		fmt.Println("opiforge", opiforge.Version())

	case "build":
		run(opiforge.RunBuild)

	case "kernel":
		run(func(bc *opiforge.BuildConfig) error {
			bc.BuildRootfs, bc.BuildUBoot, bc.BuildGPU, bc.CreateImage = false, false, false, false
			return opiforge.RunBuild(bc)
		})

	case "uboot":
		run(func(bc *opiforge.BuildConfig) error {
			bc.BuildKernel, bc.BuildRootfs, bc.BuildGPU, bc.CreateImage = false, false, false, false
			return opiforge.RunBuild(bc)
		})

	case "rootfs":
		run(func(bc *opiforge.BuildConfig) error {
			bc.BuildKernel, bc.BuildUBoot, bc.BuildGPU, bc.CreateImage = false, false, false, false
			return opiforge.RunBuild(bc)
		})

	case "image":
		run(func(bc *opiforge.BuildConfig) error {
			bc.BuildKernel, bc.BuildRootfs, bc.BuildUBoot, bc.BuildGPU = false, false, false, false
			return opiforge.RunBuild(bc)
		})

	case "publish":
		fs := flag.NewFlagSet("publish", flag.ExitOnError)
		prefix := fs.String("prefix", "", "Key prefix inside the release bucket.")
		prune := fs.Bool("prune", false, "Delete bucket objects not present locally under the prefix.")
		if err := fs.Parse(args); err != nil {
			os.Exit(2)
		}
		if err := opiforge.PublishImages(ctx, cfg, *prefix, *prune); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}

	case "cleanup":
		if err := opiforge.HandleCleanupCommand(args); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		usage()
		os.Exit(2)
	}
}
