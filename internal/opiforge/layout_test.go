package opiforge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayoutValid(t *testing.T) {
	layout, err := LayoutForProfile("")
	require.NoError(t, err)
	require.NoError(t, layout.Validate())

	assert.Len(t, layout.Partitions, 5)
	assert.Equal(t, int64(64), layout.Partitions[0].StartSec)

	boot := layout.BootPartition()
	require.NotNil(t, boot)
	assert.Equal(t, "fat32", boot.FSType)
	assert.Equal(t, int64(24576), boot.StartSec)

	root := layout.RootPartition()
	require.NotNil(t, root)
	assert.Equal(t, int64(32768), root.StartSec)
	assert.Equal(t, int64(RestOfDevice), root.EndSec)
}

func TestTwoPartitionLayoutValid(t *testing.T) {
	layout, err := LayoutForProfile("two-partition")
	require.NoError(t, err)
	require.NoError(t, layout.Validate())
	assert.Len(t, layout.Partitions, 2)
}

func TestLayoutForProfileUnknown(t *testing.T) {
	_, err := LayoutForProfile("no-such-layout")
	require.Error(t, err)
}

func TestLayoutValidateRejectsBadTables(t *testing.T) {
	tests := []struct {
		name   string
		layout PartitionLayout
		want   string
	}{
		{
			name: "descending start sectors",
			layout: PartitionLayout{
				Name: "bad",
				Partitions: []Partition{
					{Index: 1, Name: "a", StartSec: 8192, EndSec: 16383},
					{Index: 2, Name: "b", StartSec: 64, EndSec: 8191},
				},
			},
			want: "ascending",
		},
		{
			name: "overlapping partitions",
			layout: PartitionLayout{
				Name: "bad",
				Partitions: []Partition{
					{Index: 1, Name: "a", StartSec: 64, EndSec: 9000},
					{Index: 2, Name: "b", StartSec: 8192, EndSec: 16383},
				},
			},
			want: "overlap",
		},
		{
			name: "growable partition not last",
			layout: PartitionLayout{
				Name: "bad",
				Partitions: []Partition{
					{Index: 1, Name: "a", StartSec: 64, EndSec: RestOfDevice},
					{Index: 2, Name: "b", StartSec: 8192, EndSec: 16383},
				},
			},
			want: "last",
		},
		{
			name: "boot partition without fat",
			layout: PartitionLayout{
				Name: "bad",
				Partitions: []Partition{
					{Index: 1, Name: "boot", StartSec: 64, EndSec: 8191, FSType: "ext4", Bootable: true},
					{Index: 2, Name: "rootfs", StartSec: 8192, EndSec: RestOfDevice, FSType: "ext4"},
				},
			},
			want: "fat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), tt.want)
		})
	}
}

func TestLayoutValidateRejectsRawWriteIntoFilesystem(t *testing.T) {
	layout := PartitionLayout{
		Name: "bad",
		Partitions: []Partition{
			{Index: 1, Name: "loader", StartSec: 64, EndSec: 8191},
			{Index: 2, Name: "boot", StartSec: 8192, EndSec: 16383, FSType: "fat32", Bootable: true},
			{Index: 3, Name: "rootfs", StartSec: 16384, EndSec: RestOfDevice, FSType: "ext4"},
		},
		BootloaderPlans: [][]RawWrite{
			{{Artifact: "u-boot.itb", SeekSec: 16384}},
		},
	}
	err := layout.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "u-boot.itb")
}

func TestSgdiskArgs(t *testing.T) {
	layout, err := LayoutForProfile("")
	require.NoError(t, err)

	args := layout.SgdiskArgs("/dev/loop0")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--clear")
	assert.Contains(t, joined, "--new=1:64:8191")
	assert.Contains(t, joined, "--new=5:32768:-1")
	assert.Contains(t, joined, "--change-name=4:boot")
	// Legacy BIOS bootable attribute on the boot partition only.
	assert.Contains(t, joined, "--attributes=4:set:2")
	assert.NotContains(t, joined, "--attributes=5")
	assert.Equal(t, "/dev/loop0", args[len(args)-1])
}

func TestPickBootloaderPlanPrefersCombined(t *testing.T) {
	layout, err := LayoutForProfile("")
	require.NoError(t, err)
	require.Len(t, layout.BootloaderPlans, 2)
	assert.Equal(t, "u-boot-rockchip.bin", layout.BootloaderPlans[0][0].Artifact)
	assert.Equal(t, int64(64), layout.BootloaderPlans[0][0].SeekSec)
	assert.Equal(t, int64(16384), layout.BootloaderPlans[1][1].SeekSec)
}
