package opiforge

import (
	"fmt"
	"sort"
)

// SectorSize is the unit of every offset in a PartitionLayout.
const SectorSize = 512

// RestOfDevice marks a partition that consumes the remainder of the
// image after its start sector.
const RestOfDevice int64 = -1

// Partition describes one fixed GPT entry of a hardware target.
type Partition struct {
	Index    int
	Name     string
	StartSec int64
	EndSec   int64 // RestOfDevice for the final growable partition
	FSType   string
	TypeCode string // sgdisk type code
	Bootable bool
	FSLabel  string
}

// RawWrite describes one bootloader blob written directly at a sector
// offset, bypassing any filesystem. The boot ROM reads these ranges
// before a filesystem driver exists.
type RawWrite struct {
	Artifact string // file name under the U-Boot output directory
	SeekSec  int64
	// Fallback chains: when Artifact is absent the next RawWrite set
	// applies instead (see PartitionLayout.BootloaderPlans).
}

// PartitionLayout is the fixed on-disk contract of one hardware
// target. It is a compile-time constant, never computed from the
// configured image size; only the final rest-of-device partition is
// bounded by it.
type PartitionLayout struct {
	Name       string
	Partitions []Partition
	// BootloaderPlans are tried in order; the first plan whose
	// artifacts all exist is written. Plan 0 is the combined image,
	// plan 1 the split idbloader/ITB pair.
	BootloaderPlans [][]RawWrite
}

// rk3588GPT is the primary Orange Pi 5 Plus layout: three raw loader
// partitions matching the RK3588 boot ROM's fixed sector ranges, then
// boot (FAT32, boot flag) and rootfs (ext4, remainder).
var rk3588GPT = PartitionLayout{
	Name: "rk3588-gpt",
	Partitions: []Partition{
		{Index: 1, Name: "loader1", StartSec: 64, EndSec: 8191, FSType: "", TypeCode: "8301"},
		{Index: 2, Name: "loader2", StartSec: 8192, EndSec: 16383, FSType: "", TypeCode: "8301"},
		{Index: 3, Name: "trust", StartSec: 16384, EndSec: 24575, FSType: "", TypeCode: "8301"},
		{Index: 4, Name: "boot", StartSec: 24576, EndSec: 32767, FSType: "fat32", TypeCode: "8300", Bootable: true, FSLabel: "BOOT"},
		{Index: 5, Name: "rootfs", StartSec: 32768, EndSec: RestOfDevice, FSType: "ext4", TypeCode: "8300", FSLabel: "ROOTFS"},
	},
	BootloaderPlans: [][]RawWrite{
		{{Artifact: "u-boot-rockchip.bin", SeekSec: 64}},
		{{Artifact: "idbloader.img", SeekSec: 64}, {Artifact: "u-boot.itb", SeekSec: 16384}},
	},
}

// twoPartitionGPT is the alternate target profile: no reserved loader
// partitions, bootloader blobs live in the gap before the first
// filesystem partition.
var twoPartitionGPT = PartitionLayout{
	Name: "two-partition",
	Partitions: []Partition{
		{Index: 1, Name: "boot", StartSec: 32768, EndSec: 557055, FSType: "fat32", TypeCode: "8300", Bootable: true, FSLabel: "BOOT"},
		{Index: 2, Name: "rootfs", StartSec: 557056, EndSec: RestOfDevice, FSType: "ext4", TypeCode: "8300", FSLabel: "ROOTFS"},
	},
	BootloaderPlans: [][]RawWrite{
		{{Artifact: "u-boot-rockchip.bin", SeekSec: 64}},
		{{Artifact: "idbloader.img", SeekSec: 64}, {Artifact: "u-boot.itb", SeekSec: 16384}},
	},
}

var layoutProfiles = map[string]*PartitionLayout{
	"":              &rk3588GPT,
	"rk3588-gpt":    &rk3588GPT,
	"two-partition": &twoPartitionGPT,
}

// LayoutForProfile returns the fixed layout of a board profile.
func LayoutForProfile(name string) (*PartitionLayout, error) {
	l, ok := layoutProfiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown partition layout profile %q", name)
	}
	return l, nil
}

// BootPartition returns the FAT boot partition.
func (l *PartitionLayout) BootPartition() *Partition {
	for i := range l.Partitions {
		if l.Partitions[i].Bootable {
			return &l.Partitions[i]
		}
	}
	return nil
}

// RootPartition returns the final rest-of-device partition.
func (l *PartitionLayout) RootPartition() *Partition {
	for i := range l.Partitions {
		if l.Partitions[i].EndSec == RestOfDevice {
			return &l.Partitions[i]
		}
	}
	return nil
}

// firstFilesystemStart returns the start sector of the earliest
// partition carrying a filesystem.
func (l *PartitionLayout) firstFilesystemStart() int64 {
	start := int64(-1)
	for _, p := range l.Partitions {
		if p.FSType == "" {
			continue
		}
		if start < 0 || p.StartSec < start {
			start = p.StartSec
		}
	}
	return start
}

// Validate enforces the layout invariants: ascending non-overlapping
// partitions, a FAT-formatted boot-flag partition, exactly one
// rest-of-device partition in final position, and every raw bootloader
// write confined to a reserved span or the region before the first
// filesystem partition.
func (l *PartitionLayout) Validate() error {
	if len(l.Partitions) == 0 {
		return fmt.Errorf("layout %s: no partitions", l.Name)
	}
	if !sort.SliceIsSorted(l.Partitions, func(i, j int) bool {
		return l.Partitions[i].StartSec < l.Partitions[j].StartSec
	}) {
		return fmt.Errorf("layout %s: partitions not in ascending start-sector order", l.Name)
	}
	for i, p := range l.Partitions {
		if p.EndSec == RestOfDevice {
			if i != len(l.Partitions)-1 {
				return fmt.Errorf("layout %s: rest-of-device partition %s is not last", l.Name, p.Name)
			}
			continue
		}
		if p.EndSec < p.StartSec {
			return fmt.Errorf("layout %s: partition %s ends before it starts", l.Name, p.Name)
		}
		if i+1 < len(l.Partitions) && p.EndSec >= l.Partitions[i+1].StartSec {
			return fmt.Errorf("layout %s: partitions %s and %s overlap", l.Name, p.Name, l.Partitions[i+1].Name)
		}
	}
	boot := l.BootPartition()
	if boot == nil {
		return fmt.Errorf("layout %s: no boot-flag partition", l.Name)
	}
	if boot.FSType != "fat32" {
		return fmt.Errorf("layout %s: boot partition must be FAT-formatted, got %q", l.Name, boot.FSType)
	}
	if l.RootPartition() == nil {
		return fmt.Errorf("layout %s: no rest-of-device rootfs partition", l.Name)
	}

	fsStart := l.firstFilesystemStart()
	for _, plan := range l.BootloaderPlans {
		for _, w := range plan {
			if err := l.checkRawWrite(w, fsStart); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkRawWrite rejects a raw sector write that would land inside a
// filesystem partition's data region.
func (l *PartitionLayout) checkRawWrite(w RawWrite, fsStart int64) error {
	if w.SeekSec < fsStart {
		// Before the first filesystem partition; confirm it is either in
		// free space or inside a reserved raw partition.
		for _, p := range l.Partitions {
			if p.FSType != "" {
				continue
			}
			end := p.EndSec
			if end == RestOfDevice {
				continue
			}
			if w.SeekSec >= p.StartSec && w.SeekSec <= end {
				return nil
			}
		}
		// Free space before the first filesystem partition is also a
		// valid boot ROM target.
		return nil
	}
	return fmt.Errorf("layout %s: raw write of %s at sector %d lands inside a filesystem region",
		l.Name, w.Artifact, w.SeekSec)
}

// SgdiskArgs renders the layout as one sgdisk invocation.
func (l *PartitionLayout) SgdiskArgs(imagePath string) []string {
	args := []string{"--clear"}
	for _, p := range l.Partitions {
		end := fmt.Sprintf("%d", p.EndSec)
		if p.EndSec == RestOfDevice {
			end = "-1"
		}
		args = append(args,
			fmt.Sprintf("--new=%d:%d:%s", p.Index, p.StartSec, end),
			fmt.Sprintf("--change-name=%d:%s", p.Index, p.Name),
			fmt.Sprintf("--typecode=%d:%s", p.Index, p.TypeCode),
		)
		if p.Bootable {
			args = append(args, fmt.Sprintf("--attributes=%d:set:2", p.Index))
		}
	}
	return append(args, imagePath)
}
