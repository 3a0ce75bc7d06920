package opiforge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SafetyMarginMB is added to the measured rootfs size when validating
// the configured image size.
const SafetyMarginMB = 512

// ImageHandle tracks one in-progress image build: the backing file,
// the attached loop device and the currently mounted paths in mount
// order. Teardown detaches mounts in strict reverse order, then the
// loop device.
type ImageHandle struct {
	Path     string
	LoopDev  string
	mounts   []string
	tornDown bool
}

func (h *ImageHandle) recordMount(path string) {
	h.mounts = append(h.mounts, path)
}

// Mounts returns the active mount points in mount order.
func (h *ImageHandle) Mounts() []string {
	return append([]string(nil), h.mounts...)
}

// Teardown unmounts everything in reverse order and detaches the loop
// device. It is idempotent; the first error set is reported but every
// step is attempted.
func (h *ImageHandle) Teardown(run Runner) error {
	if h == nil || h.tornDown {
		return nil
	}
	h.tornDown = true

	// A half-finished unmount leaves the kernel holding the loop
	// device; block the first interrupt until teardown completes.
	EnterCritical()
	defer ExitCritical()

	var firstErr error
	if err := unmountAll(run, h.mounts); err != nil {
		firstErr = err
	}
	h.mounts = nil

	if h.LoopDev != "" {
		if ec := run.Execute(NewCommand("losetup", "-d", h.LoopDev), false); ec != nil && firstErr == nil {
			firstErr = ec
		}
		h.LoopDev = ""
	}
	return firstErr
}

// Assembler produces one self-contained disk image from a populated
// rootfs tree, the installed kernel artifacts and the U-Boot blobs.
// Every external operation goes through the injected Runner.
type Assembler struct {
	run    Runner
	cfg    *BuildConfig
	layout *PartitionLayout

	// measure is swappable for tests; defaults to dirSizeMB.
	measure func(string) (int64, error)

	handle *ImageHandle
}

func NewAssembler(run Runner, cfg *BuildConfig, layout *PartitionLayout) *Assembler {
	return &Assembler{run: run, cfg: cfg, layout: layout, measure: dirSizeMB}
}

// Handle exposes the active ImageHandle for the cancellation cleanup
// path. Nil when no assembly is in progress.
func (a *Assembler) Handle() *ImageHandle { return a.handle }

// ImagePath is the destination of the raw image file.
func (a *Assembler) ImagePath() string {
	return filepath.Join(a.cfg.OutputDir, fmt.Sprintf("%s-ubuntu-%s.img", DefaultBoard, UbuntuCodename))
}

// Assemble runs the full sequence: allocate, partition, attach,
// format, mount, populate, bootloader placement, boot configuration,
// teardown, finalize. Any failure triggers the reverse teardown before
// the error propagates.
func (a *Assembler) Assemble() error {
	if err := a.layout.Validate(); err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "invalid partition layout")
	}
	if err := a.checkInputs(); err != nil {
		return err
	}

	imagePath := a.ImagePath()
	if err := a.allocate(imagePath); err != nil {
		return err
	}

	a.handle = &ImageHandle{Path: imagePath}
	defer func() {
		if a.handle != nil {
			if err := a.handle.Teardown(a.run); err != nil {
				logWarn("Teardown reported errors: %v", err)
			}
		}
	}()

	if err := a.partition(imagePath); err != nil {
		return err
	}
	if err := a.attach(imagePath); err != nil {
		return err
	}
	if err := a.format(); err != nil {
		return err
	}
	rootMnt, bootMnt, err := a.mountAll()
	if err != nil {
		return err
	}
	if err := a.populate(rootMnt, bootMnt); err != nil {
		return err
	}
	if err := a.placeBootloader(); err != nil {
		return err
	}
	if err := a.writeBootConfig(bootMnt); err != nil {
		return err
	}

	if err := a.handle.Teardown(a.run); err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "image teardown failed")
	}
	a.handle = nil

	return a.finalize(imagePath)
}

// checkInputs fails cleanly when an enabled image build is missing its
// component inputs; the enable flags carry no invariant coupling, so
// this is validated here rather than assumed.
func (a *Assembler) checkInputs() error {
	if !fileExists(a.cfg.RootfsDir()) {
		return Errorf(ErrImageAssemblyFailed, "rootfs tree %s does not exist; build the rootfs first", a.cfg.RootfsDir())
	}
	ubootOut := filepath.Join(a.cfg.OutputDir, "uboot")
	if a.pickBootloaderPlan(ubootOut) == nil {
		return Errorf(ErrImageAssemblyFailed, "no bootloader artifacts found under %s; build U-Boot first", ubootOut)
	}
	return nil
}

// allocate creates the sparse backing file after validating that the
// configured size can hold the measured rootfs plus the safety margin.
// On validation failure nothing is written and any stale image file
// from a previous run is removed.
func (a *Assembler) allocate(imagePath string) error {
	rootfsMB, err := a.measure(a.cfg.RootfsDir())
	if err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "failed to measure rootfs size")
	}
	needMB := rootfsMB + SafetyMarginMB
	if a.cfg.ImageSizeMB < needMB {
		os.Remove(imagePath)
		return Errorf(ErrInsufficientSpace,
			"configured image size %d MB cannot hold rootfs %d MB plus %d MB margin",
			a.cfg.ImageSizeMB, rootfsMB, SafetyMarginMB)
	}

	if free, err := freeSpaceMB(a.cfg.OutputDir); err == nil && free < a.cfg.ImageSizeMB {
		logWarn("Output filesystem has %d MB free for a %d MB image; the sparse file may fill it", free, a.cfg.ImageSizeMB)
	}

	logInfo("Creating %d MB image file: %s", a.cfg.ImageSizeMB, imagePath)
	if err := ensureDir(a.cfg.OutputDir); err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "output directory")
	}
	f, err := os.Create(imagePath)
	if err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "failed to create image file")
	}
	defer f.Close()
	if err := f.Truncate(a.cfg.ImageSizeMB * 1024 * 1024); err != nil {
		os.Remove(imagePath)
		return WrapError(ErrImageAssemblyFailed, err, "failed to allocate image file")
	}
	return nil
}

func (a *Assembler) partition(imagePath string) error {
	logInfo("Writing %s partition table", a.layout.Name)
	if ec := a.run.Execute(NewCommand("sgdisk", "--zap-all", imagePath), true); ec != nil {
		return WrapError(ErrImageAssemblyFailed, ec, "failed to zap partition table")
	}
	if ec := a.run.Execute(NewCommand("sgdisk", a.layout.SgdiskArgs(imagePath)...), true); ec != nil {
		return WrapError(ErrImageAssemblyFailed, ec, "failed to partition image")
	}
	return nil
}

func (a *Assembler) attach(imagePath string) error {
	logInfo("Attaching image to loop device")
	out, ec := a.run.Output(NewCommand("losetup", "--find", "--show", "--partscan", imagePath))
	if ec != nil {
		return WrapError(ErrImageAssemblyFailed, ec, "failed to attach loop device")
	}
	loopDev := strings.TrimSpace(out)
	if !strings.HasPrefix(loopDev, "/dev/loop") {
		return Errorf(ErrImageAssemblyFailed, "unexpected losetup output %q", out)
	}
	a.handle.LoopDev = loopDev
	return nil
}

// partDev returns the device node of a partition on the attached loop
// device (loop0 -> loop0p4).
func (a *Assembler) partDev(p *Partition) string {
	return fmt.Sprintf("%sp%d", a.handle.LoopDev, p.Index)
}

// format creates the filesystems. Format failures are fatal and never
// retried: a corrupt partial format must not be reused.
func (a *Assembler) format() error {
	boot := a.layout.BootPartition()
	root := a.layout.RootPartition()

	logInfo("Formatting boot partition as FAT32")
	if ec := a.run.Execute(NewCommand("mkfs.fat", "-F", "32", "-n", boot.FSLabel, a.partDev(boot)), true); ec != nil {
		return WrapError(ErrImageAssemblyFailed, ec, "failed to format boot partition")
	}

	logInfo("Formatting root partition as ext4")
	if ec := a.run.Execute(NewCommand("mkfs.ext4", "-q", "-L", root.FSLabel, a.partDev(root)), true); ec != nil {
		return WrapError(ErrImageAssemblyFailed, ec, "failed to format root partition")
	}
	return nil
}

// mountAll mounts root first, then boot beneath it at /boot, recording
// the order in the handle for reverse teardown.
func (a *Assembler) mountAll() (rootMnt, bootMnt string, err error) {
	rootMnt = filepath.Join(a.cfg.BuildDir, "mnt")
	bootMnt = filepath.Join(rootMnt, "boot")

	if err := mountPartition(a.run, a.partDev(a.layout.RootPartition()), rootMnt); err != nil {
		return "", "", WrapError(ErrImageAssemblyFailed, err, "failed to mount root partition")
	}
	a.handle.recordMount(rootMnt)

	if ec := a.run.Execute(NewCommand("mkdir", "-p", bootMnt), false); ec != nil {
		return "", "", WrapError(ErrImageAssemblyFailed, ec, "failed to create boot mount point")
	}
	if err := mountPartition(a.run, a.partDev(a.layout.BootPartition()), bootMnt); err != nil {
		return "", "", WrapError(ErrImageAssemblyFailed, err, "failed to mount boot partition")
	}
	a.handle.recordMount(bootMnt)

	return rootMnt, bootMnt, nil
}

// populate copies the rootfs excluding its /boot subtree, then copies
// the kernel artifacts into the boot mount explicitly. The two-phase
// copy keeps stale boot artifacts in the source tree from shadowing
// the freshly built ones.
func (a *Assembler) populate(rootMnt, bootMnt string) error {
	logInfo("Copying rootfs into image")
	rsync := NewCommand("rsync", "-aHAX", "--exclude=/boot/*", a.cfg.RootfsDir()+"/", rootMnt+"/")
	if ec := a.run.Execute(rsync, true); ec != nil {
		return WrapError(ErrImageAssemblyFailed, ec, "failed to copy rootfs")
	}

	logInfo("Installing kernel artifacts into boot partition")
	srcBoot := filepath.Join(a.cfg.RootfsDir(), "boot")
	entries, err := os.ReadDir(srcBoot)
	if err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "no kernel artifacts under %s", srcBoot)
	}
	for _, e := range entries {
		src := filepath.Join(srcBoot, e.Name())
		cp := NewCommand("cp", "-a", src, bootMnt+"/")
		if ec := a.run.Execute(cp, false); ec != nil {
			return WrapError(ErrImageAssemblyFailed, ec, "failed to copy %s into boot partition", e.Name())
		}
	}
	return nil
}

// pickBootloaderPlan returns the first plan whose artifacts all exist.
func (a *Assembler) pickBootloaderPlan(ubootOut string) []RawWrite {
	for _, plan := range a.layout.BootloaderPlans {
		ok := true
		for _, w := range plan {
			if !fileExists(filepath.Join(ubootOut, w.Artifact)) {
				ok = false
				break
			}
		}
		if ok && len(plan) > 0 {
			return plan
		}
	}
	return nil
}

// placeBootloader writes the bootloader blobs at their fixed sector
// offsets on the attached block device, bypassing any filesystem. The
// offsets lie inside the reserved loader spans, so ordering relative
// to the mounts does not matter.
func (a *Assembler) placeBootloader() error {
	ubootOut := filepath.Join(a.cfg.OutputDir, "uboot")
	plan := a.pickBootloaderPlan(ubootOut)
	if plan == nil {
		return Errorf(ErrImageAssemblyFailed, "no bootloader artifacts found under %s", ubootOut)
	}

	// Raw sector writes must not be interrupted halfway.
	EnterCritical()
	defer ExitCritical()

	for _, w := range plan {
		logInfo("Writing %s at sector %d", w.Artifact, w.SeekSec)
		dd := NewCommand("dd",
			"if="+filepath.Join(ubootOut, w.Artifact),
			"of="+a.handle.LoopDev,
			fmt.Sprintf("seek=%d", w.SeekSec),
			"conv=notrunc,fsync")
		if ec := a.run.Execute(dd, true); ec != nil {
			return WrapError(ErrImageAssemblyFailed, ec, "failed to write %s", w.Artifact)
		}
	}
	return nil
}

// rootfsUUID queries the UUID of the just-created root filesystem.
func (a *Assembler) rootfsUUID() (string, error) {
	out, ec := a.run.Output(NewCommand("blkid", "-s", "UUID", "-o", "value", a.partDev(a.layout.RootPartition())))
	if ec != nil {
		return "", ec
	}
	id, err := uuid.Parse(strings.TrimSpace(out))
	if err != nil {
		return "", fmt.Errorf("blkid returned %q: %w", out, err)
	}
	return id.String(), nil
}

// bootCmd is the U-Boot boot script in source form. The mmc partition
// number comes from the active layout's boot partition.
const bootCmd = `# Orange Pi 5 Plus boot script
setenv bootargs "root=UUID=%[1]s rootwait rw console=ttyS2,1500000 console=tty1 consoleblank=0 loglevel=1 ${extraargs}"
if load mmc ${devnum}:%[3]d ${kernel_addr_r} /Image; then
  if load mmc ${devnum}:%[3]d ${fdt_addr_r} /%[2]s; then
    if load mmc ${devnum}:%[3]d ${ramdisk_addr_r} /initrd.img; then
      booti ${kernel_addr_r} ${ramdisk_addr_r}:${filesize} ${fdt_addr_r};
    else
      booti ${kernel_addr_r} - ${fdt_addr_r};
    fi;
  fi;
fi;
`

// writeBootConfig generates boot.cmd, compiles it to boot.scr with
// mkimage, and writes the environment file carrying the root
// filesystem UUID and display/console defaults.
func (a *Assembler) writeBootConfig(bootMnt string) error {
	logInfo("Writing boot configuration")

	rootUUID, err := a.rootfsUUID()
	if err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "failed to query rootfs UUID")
	}

	stagingDir := filepath.Join(a.cfg.BuildDir, "bootconf")
	if err := ensureDir(stagingDir); err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "bootconf staging dir")
	}

	cmdPath := filepath.Join(stagingDir, "boot.cmd")
	script := fmt.Sprintf(bootCmd, rootUUID, a.cfg.DTB, a.layout.BootPartition().Index)
	if err := os.WriteFile(cmdPath, []byte(script), 0o644); err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "failed to write boot.cmd")
	}

	scrPath := filepath.Join(stagingDir, "boot.scr")
	mkimage := NewCommand("mkimage", "-C", "none", "-A", a.cfg.Arch, "-T", "script", "-d", cmdPath, scrPath)
	if ec := a.run.Execute(mkimage, true); ec != nil {
		return WrapError(ErrImageAssemblyFailed, ec, "failed to compile boot script")
	}

	env := fmt.Sprintf(`verbosity=1
bootlogo=false
console=both
disp_mode=1920x1080p60
overlay_prefix=rockchip
rootdev=UUID=%s
rootfstype=ext4
usbstoragequirks=0x2537:0x1066:u,0x2537:0x1068:u
`, rootUUID)
	envPath := filepath.Join(stagingDir, "orangepiEnv.txt")
	if err := os.WriteFile(envPath, []byte(env), 0o644); err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "failed to write boot environment file")
	}

	// The boot mount is root-owned; install via the privileged runner.
	for _, f := range []string{cmdPath, scrPath, envPath} {
		if ec := a.run.Execute(NewCommand("cp", f, bootMnt+"/"), false); ec != nil {
			return WrapError(ErrImageAssemblyFailed, ec, "failed to install %s", filepath.Base(f))
		}
	}
	return nil
}

// finalize compresses the raw image and emits the checksum sidecar.
func (a *Assembler) finalize(imagePath string) error {
	logInfo("Compressing image (%s)", a.cfg.CompressFormat)
	compressed, err := compressImage(imagePath, a.cfg.CompressFormat)
	if err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "failed to compress image")
	}

	sidecar, err := writeSHA256Sidecar(compressed)
	if err != nil {
		return WrapError(ErrImageAssemblyFailed, err, "failed to write checksum sidecar")
	}

	if b3, err := blake3File(compressed); err == nil {
		buildLog.write("INFO", fmt.Sprintf("blake3 %s  %s", b3, filepath.Base(compressed)))
	}

	logInfo("Image ready: %s (checksum %s)", compressed, filepath.Base(sidecar))
	return nil
}
