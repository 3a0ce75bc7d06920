package opiforge

import (
	"fmt"
	"strings"
)

// mountPartition mounts a partition device node via the external
// 'mount' binary through the privileged runner.
func mountPartition(run Runner, device, dest string) error {
	if err := ensureDir(dest); err != nil {
		return err
	}
	cmd := NewCommand("mount", device, dest)
	debugf("[INFO] Running mount: %s\n", cmd.String())
	if ec := run.Execute(cmd, false); ec != nil {
		return fmt.Errorf("mount failed for %s to %s: %w", device, dest, ec)
	}
	return nil
}

// unmountAll unmounts the given paths in strict reverse order of
// mounting, collecting errors instead of stopping at the first one.
func unmountAll(run Runner, paths []string) error {
	var cleanupErrors []string

	for i := len(paths) - 1; i >= 0; i-- {
		path := paths[i]
		debugf("[INFO] Unmounting: %s\n", path)

		if ec := run.Execute(NewCommand("umount", path), false); ec != nil {
			// Retry lazily before giving up; a straggling process can
			// hold the mount busy for a moment after the copy.
			if lec := run.Execute(NewCommand("umount", "-l", path), false); lec != nil {
				cleanupErrors = append(cleanupErrors, fmt.Sprintf("failed to umount %s: %v", path, lec))
			}
		}
	}

	if len(cleanupErrors) > 0 {
		return fmt.Errorf("multiple unmount errors occurred:\n%s", strings.Join(cleanupErrors, "\n"))
	}
	return nil
}
