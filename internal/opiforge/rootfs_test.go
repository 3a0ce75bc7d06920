package opiforge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureRootfsStagesSystemFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "rootfs")
	require.NoError(t, os.MkdirAll(target, 0o755))

	run := &scriptRunner{}
	require.NoError(t, configureRootfs(run, target, "opi5"))

	staging := filepath.Join(dir, "rootfs-conf")

	hostname, err := os.ReadFile(filepath.Join(staging, "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "opi5\n", string(hostname))

	hosts, err := os.ReadFile(filepath.Join(staging, "hosts"))
	require.NoError(t, err)
	assert.Contains(t, string(hosts), "127.1.0.1   opi5")

	fstab, err := os.ReadFile(filepath.Join(staging, "fstab"))
	require.NoError(t, err)
	assert.Contains(t, string(fstab), "LABEL=ROOTFS / ext4")
	assert.Contains(t, string(fstab), "LABEL=BOOT /boot vfat")

	sources, err := os.ReadFile(filepath.Join(staging, "sources.list"))
	require.NoError(t, err)
	assert.Contains(t, string(sources), UbuntuMirror)
	assert.Contains(t, string(sources), UbuntuCodename+"-security")

	lines := run.commandLines()
	assert.GreaterOrEqual(t, firstLineWith(lines, "etc/hostname"), 0)
	assert.GreaterOrEqual(t, firstLineWith(lines, "etc/fstab"), 0)

	chroot := firstLineWith(lines, "chroot "+target)
	require.GreaterOrEqual(t, chroot, 0)
	assert.Contains(t, lines[chroot], "useradd")
	assert.Contains(t, lines[chroot], "serial-getty@ttyS2")
}
