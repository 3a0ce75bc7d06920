package opiforge

import (
	"flag"
	"fmt"
	"strings"
)

// HandleCleanupCommand implements the 'opiforge cleanup' command.
func HandleCleanupCommand(args []string) error {
	cleanupCmd := flag.NewFlagSet("cleanup", flag.ExitOnError)
	cleanBuild := cleanupCmd.Bool("build", false, "Remove the build tree (sources, rootfs, staging).")
	cleanOutput := cleanupCmd.Bool("output", false, "Remove built images and bootloader artifacts.")
	cleanCache := cleanupCmd.Bool("cache", false, "Remove the download cache.")
	cleanLoops := cleanupCmd.Bool("loops", false, "Detach loop devices left over from interrupted runs.")
	cleanAll := cleanupCmd.Bool("all", false, "build tree, output, cache and loop devices.")

	if err := cleanupCmd.Parse(args); err != nil {
		return err
	}

	if !*cleanBuild && !*cleanOutput && !*cleanCache && !*cleanLoops && !*cleanAll {
		fmt.Println("Usage: opiforge cleanup [flag]")
		fmt.Println("You must specify what to clean up. Use one of the following flags:")
		cleanupCmd.PrintDefaults()
		return nil
	}

	if *cleanAll {
		*cleanBuild = true
		*cleanOutput = true
		*cleanCache = true
		*cleanLoops = true
	}

	// Loop devices first: a mount backed by an image under BuildDir
	// must be gone before the tree is removed.
	if *cleanLoops {
		if err := detachStaleLoops(); err != nil {
			return err
		}
	}

	targets := []struct {
		enabled bool
		label   string
		dir     string
	}{
		{*cleanBuild, "build tree", BuildDir},
		{*cleanOutput, "output directory", OutputDir},
		{*cleanCache, "download cache", CacheStore},
	}

	for _, t := range targets {
		if !t.enabled || t.dir == "" {
			continue
		}
		cPrintf(colWarn, "This will permanently delete the %s at %s.\n", t.label, t.dir)
		if !askForConfirmation(colArrow, "Are you sure you want to proceed?") {
			colArrow.Print("-> ")
			colSuccess.Printf("Cleanup of %s canceled.\n", t.label)
			continue
		}
		debugf("Removing %s: %s\n", t.label, t.dir)
		if ec := RootExec.Execute(NewCommand("rm", "-rf", t.dir), false); ec != nil {
			return fmt.Errorf("failed to remove %s: %w", t.label, ec)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Removed %s.\n", t.label)
	}

	return nil
}

// detachStaleLoops finds loop devices whose backing file lives under
// the build tree and detaches them.
func detachStaleLoops() error {
	out, ec := RootExec.Output(NewCommand("losetup", "-l", "-n", "-O", "NAME,BACK-FILE"))
	if ec != nil {
		return fmt.Errorf("failed to list loop devices: %w", ec)
	}

	var detached int
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev, backing := fields[0], fields[1]
		if !strings.HasPrefix(backing, BuildDir) && !strings.HasPrefix(backing, OutputDir) {
			continue
		}
		logWarn("Detaching stale loop device %s (%s)", dev, backing)
		if ec := RootExec.Execute(NewCommand("losetup", "-d", dev), false); ec != nil {
			return fmt.Errorf("failed to detach %s: %w", dev, ec)
		}
		detached++
	}
	if detached == 0 {
		logInfo("No stale loop devices found")
	}
	return nil
}
