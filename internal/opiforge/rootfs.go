package opiforge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// rootfsBasePackages are folded into the debootstrap run.
var rootfsBasePackages = []string{
	"systemd", "udev", "kmod", "initramfs-tools",
	"openssh-server", "sudo", "nano",
	"wget", "curl", "ca-certificates",
	"network-manager", "wpasupplicant",
	"linux-firmware",
}

// buildRootfs debootstraps the Ubuntu base system into the rootfs
// tree. Foreign-arch bootstrap runs in two stages under
// qemu-user-static. Network failures during bootstrap are retried by
// debootstrap itself, so the stage runs it once and treats failure as
// fatal.
func buildRootfs(run Runner, bc *BuildConfig) (StageResult, *ErrorContext) {
	target := bc.RootfsDir()
	logInfo("Building Ubuntu %s rootfs", UbuntuCodename)

	// A partial tree from an earlier run must not be merged into.
	if ec := run.Execute(NewCommand("rm", "-rf", target), false); ec != nil {
		return StageFatal, WrapError(ErrUnknown, ec, "failed to clean rootfs tree")
	}
	if err := ensureDir(target); err != nil {
		return StageFatal, WrapError(ErrUnknown, err, "rootfs directory")
	}

	bootstrap := NewCommand("debootstrap",
		"--arch="+bc.Arch,
		"--components=main,universe,restricted,multiverse",
		"--include="+strings.Join(rootfsBasePackages, ","),
		UbuntuCodename, target, UbuntuMirror)
	if ec := run.Execute(bootstrap, true); ec != nil {
		return StageFatal, WrapError(ErrNetworkFailure, ec, "debootstrap failed")
	}

	if err := configureRootfs(run, target, bc.Hostname); err != nil {
		return StageFatal, WrapError(ErrInstallationFailed, err, "rootfs configuration failed")
	}

	if sizeMB, err := dirSizeMB(target); err == nil {
		logInfo("Rootfs tree measures %d MB", sizeMB)
	}
	return StageSuccess, nil
}

// configureRootfs writes the static system configuration: apt sources,
// hostname, hosts, fstab, serial console getty, default user.
func configureRootfs(run Runner, target, hostname string) error {
	staging := filepath.Join(filepath.Dir(target), "rootfs-conf")
	if err := ensureDir(staging); err != nil {
		return err
	}

	files := map[string]string{
		"sources.list": fmt.Sprintf(
			"deb %[1]s %[2]s main restricted universe multiverse\n"+
				"deb %[1]s %[2]s-updates main restricted universe multiverse\n"+
				"deb %[1]s %[2]s-security main restricted universe multiverse\n",
			UbuntuMirror, UbuntuCodename),
		"hostname": hostname + "\n",
		"hosts": fmt.Sprintf(
			"127.0.0.1   localhost\n"+
				"127.1.0.1   %s\n"+
				"::1         localhost ip6-localhost ip6-loopback\n", hostname),
		"fstab": "LABEL=ROOTFS / ext4 defaults,noatime 0 1\n" +
			"LABEL=BOOT /boot vfat defaults 0 2\n",
	}

	dests := map[string]string{
		"sources.list": "etc/apt/sources.list",
		"hostname":     "etc/hostname",
		"hosts":        "etc/hosts",
		"fstab":        "etc/fstab",
	}

	for name, content := range files {
		src := filepath.Join(staging, name)
		if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
			return err
		}
		dest := filepath.Join(target, dests[name])
		if ec := run.Execute(NewCommand("cp", src, dest), false); ec != nil {
			return fmt.Errorf("installing %s: %w", dests[name], ec)
		}
	}

	// Default user with sudo; serial console enabled for the RK3588
	// debug UART.
	script := "useradd -m -s /bin/bash -G sudo,audio,video,plugdev orangepi && " +
		"echo 'orangepi:orangepi' | chpasswd && " +
		"systemctl enable ssh NetworkManager && " +
		"systemctl enable serial-getty@ttyS2.service"
	chroot := NewCommand("chroot", target, "/bin/bash", "-c", script)
	if ec := run.Execute(chroot, true); ec != nil {
		return fmt.Errorf("chroot configuration: %w", ec)
	}
	return nil
}
