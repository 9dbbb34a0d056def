/*
Copyright © 2024 The bootupd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package blockdev walks the block-device tree upward from a mount source
// to its owning whole disk(s), and enumerates a disk's GPT partitions by
// type GUID, per SPEC_FULL.md §4.4.
package blockdev

import (
	"context"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/filesystem"
	"github.com/coreos/bootupd/pkg/sysiface"
)

// Device is one partition entry as enumerated from a disk's GPT.
type Device struct {
	Path         string
	PTType       string
	PartType     string
	PartTypeName string
}

// IsESPPart reports whether this device is the EFI System Partition.
func (d Device) IsESPPart() bool {
	return strings.EqualFold(d.PartType, constants.GUIDESP)
}

// IsBIOSBootPart reports whether this device is the GPT BIOS-Boot partition.
func (d Device) IsBIOSBootPart() bool {
	return strings.EqualFold(d.PTType, "gpt") && strings.EqualFold(d.PartType, constants.GUIDBIOSBoot)
}

// IsPRePPart reports whether this device is a PReP boot partition, by GPT
// GUID or (when the table is MBR, as ppc64 disks sometimes are) by MBR type
// 0x41.
func (d Device) IsPRePPart(mbrType int) bool {
	if strings.EqualFold(d.PTType, "gpt") {
		return strings.EqualFold(d.PartType, constants.GUIDPReP)
	}
	return mbrType == constants.MBRTypePReP
}

var lsblkPairRe = regexp.MustCompile(`([A-Z-_]+)="([^"]*)"`)

func splitLsblkLine(line string) map[string]string {
	out := map[string]string{}
	for _, m := range lsblkPairRe.FindAllStringSubmatch(line, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// FindParentDevices runs `lsblk --pairs --paths --inverse --output NAME,TYPE
// <device>` and walks upward, accepting entries of type "disk" or "mpath",
// stopping at the first "mpath" because its upstream legs are redundant.
func FindParentDevices(runner sysiface.Runner, device string) ([]string, error) {
	out, err := runner.Run("lsblk", "--pairs", "--paths", "--inverse",
		"--output", "NAME,TYPE", device)
	if err != nil {
		return nil, errors.Wrapf(err, "running lsblk on %s", device)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) <= 1 {
		return nil, nil
	}
	// The first line describes the device itself; skip it.
	var parents []string
	for _, line := range lines[1:] {
		fields := splitLsblkLine(line)
		name, typ := fields["NAME"], fields["TYPE"]
		if name == "" {
			continue
		}
		switch typ {
		case "disk":
			parents = append(parents, name)
		case "mpath":
			parents = append(parents, name)
			return parents, nil
		}
	}
	return parents, nil
}

// probeBootSource tries /boot first, then /sysroot, as the mount-probe
// point, matching the order littered through findmnt-driven code elsewhere
// in the original tool.
func probeBootSource(runner sysiface.Runner, targetRoot string) (*filesystem.Info, error) {
	info, err := filesystem.Inspect(runner, targetRoot, "boot")
	if err == nil {
		return info, nil
	}
	bootErr := err
	info, err = filesystem.Inspect(runner, targetRoot, "sysroot")
	if err != nil {
		return nil, errors.Wrapf(bootErr, "probing /boot (sysroot probe also failed: %s)", err)
	}
	return info, nil
}

// GetDevices probes targetRoot/boot, falling back to targetRoot/sysroot
// (§4.4 step 1), takes its SOURCE device, and walks upward to the owning
// whole disk(s), repeating the upward walk for each newly discovered parent
// until none remain.
func GetDevices(runner sysiface.Runner, targetRoot string) ([]string, error) {
	info, err := probeBootSource(runner, targetRoot)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var result []string
	frontier := []string{info.Source}
	for len(frontier) > 0 {
		var next []string
		for _, dev := range frontier {
			parents, err := FindParentDevices(runner, dev)
			if err != nil {
				return nil, err
			}
			if len(parents) == 0 {
				if !seen[dev] {
					seen[dev] = true
					result = append(result, dev)
				}
				continue
			}
			next = append(next, parents...)
		}
		frontier = next
	}
	return dedup(result), nil
}

// GetSingleDevice is GetDevices but requires exactly one parent at every
// level, erroring otherwise.
func GetSingleDevice(runner sysiface.Runner, targetRoot string) (string, error) {
	info, err := probeBootSource(runner, targetRoot)
	if err != nil {
		return "", err
	}
	dev := info.Source
	for {
		parents, err := FindParentDevices(runner, dev)
		if err != nil {
			return "", err
		}
		if len(parents) == 0 {
			return dev, nil
		}
		if len(parents) > 1 {
			return "", errors.Errorf("found multiple parent devices for %s, not currently supported", dev)
		}
		dev = parents[0]
	}
}

func dedup(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ListDev enumerates a disk's GPT partitions using diskfs/go-diskfs — the
// Go-native "sfdisk/equivalent" permitted by SPEC_FULL.md §4.4.
func ListDev(devicePath string) ([]Device, error) {
	disk, err := diskfs.Open(devicePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", devicePath)
	}
	defer disk.File.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return nil, errors.Wrapf(err, "reading partition table of %s", devicePath)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		// Non-GPT disks yield no partitions; an MBR PReP partition (type
		// 0x41) is not reported.
		return nil, nil
	}
	var out []Device
	for i, p := range gptTable.Partitions {
		if p.Size == 0 {
			continue
		}
		out = append(out, Device{
			Path:         partitionPath(devicePath, i+1),
			PTType:       "gpt",
			PartType:     strings.ToLower(p.Type.String()),
			PartTypeName: string(p.Type),
		})
	}
	return out, nil
}

func partitionPath(devicePath string, n int) string {
	if len(devicePath) > 0 {
		last := devicePath[len(devicePath)-1]
		if last >= '0' && last <= '9' {
			return devicePath + "p" + strconv.Itoa(n)
		}
	}
	return devicePath + strconv.Itoa(n)
}

// GetESPPartition returns the first ESP found among the given disks'
// partitions.
func GetESPPartition(disks []string) (*Device, error) {
	return findFirst(disks, func(d Device) bool { return d.IsESPPart() })
}

// GetBIOSBootPartition returns the first BIOS-Boot partition found among the
// given disks' partitions.
func GetBIOSBootPartition(disks []string) (*Device, error) {
	return findFirst(disks, func(d Device) bool { return d.IsBIOSBootPart() })
}

func findFirst(disks []string, pred func(Device) bool) (*Device, error) {
	for _, disk := range disks {
		parts, err := ListDev(disk)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			if pred(p) {
				found := p
				return &found, nil
			}
		}
	}
	return nil, nil
}

// FindColocatedESPs collects every ESP across all co-located disks (RAID
// mirror legs), not just the first.
func FindColocatedESPs(disks []string) ([]Device, error) {
	return findAll(disks, func(d Device) bool { return d.IsESPPart() })
}

// FindColocatedBIOSBoot collects every BIOS-Boot partition across all
// co-located disks.
func FindColocatedBIOSBoot(disks []string) ([]Device, error) {
	return findAll(disks, func(d Device) bool { return d.IsBIOSBootPart() })
}

func findAll(disks []string, pred func(Device) bool) ([]Device, error) {
	var out []Device
	for _, disk := range disks {
		parts, err := ListDev(disk)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			if pred(p) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// WaitForDeviceNode retries os.Stat on a just-created device node with
// bounded backoff, the way the teacher's own block-device code tolerates
// udev settling delays.
func WaitForDeviceNode(ctx context.Context, path string) error {
	b := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(200*time.Millisecond), 25), ctx)
	return backoff.Retry(func() error {
		_, err := os.Stat(path)
		return err
	}, b)
}

// PartitionNumber derives the partition number of an ESP device path. It
// prefers the sysfs "partition" attribute; when that is missing (multipath
// devices have no corresponding /sys/class/block/<dm>/partition file), it
// falls back to the trailing run of digits in the device's basename. The
// owning disk's name is not consulted.
func PartitionNumber(espDevice string) (int, error) {
	base := lastPathElem(espDevice)
	sysfsPath := "/sys/class/block/" + base + "/partition"
	if data, err := os.ReadFile(sysfsPath); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil {
			return n, nil
		}
	}
	// Multipath fallback: take the trailing run of digits as the partition
	// number.
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	digits := base[i:]
	if digits == "" {
		return 0, errors.Errorf("could not derive partition number from %s", espDevice)
	}
	return strconv.Atoi(digits)
}

func lastPathElem(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// currentArchModuleDir returns the grub2 module directory name for the
// running architecture.
func currentArchModuleDir() string {
	switch runtime.GOARCH {
	case "ppc64", "ppc64le":
		return "powerpc-ieee1275"
	default:
		return "i386-pc"
	}
}

// CurrentArchModuleDir is the exported form of currentArchModuleDir.
func CurrentArchModuleDir() string { return currentArchModuleDir() }
