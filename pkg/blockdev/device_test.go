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

package blockdev_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/blockdev"
)

func TestBlockdev(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "blockdev suite")
}

type fakeRunner struct {
	findmnt    map[string]string
	findmntErr map[string]error
	lsblk      map[string][]string
}

func (f *fakeRunner) Run(name string, args ...string) ([]byte, error) {
	if name != "lsblk" {
		return nil, nil
	}
	dev := args[len(args)-1]
	lines := append([]string{dev}, f.lsblk[dev]...)
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return []byte(out), nil
}

func (f *fakeRunner) RunWithDir(dir, name string, args ...string) ([]byte, error) {
	path := args[len(args)-1]
	if err, ok := f.findmntErr[path]; ok {
		return nil, err
	}
	if data, ok := f.findmnt[path]; ok {
		return []byte(data), nil
	}
	return nil, errors.Errorf("no findmnt fixture registered for %s", path)
}

func (f *fakeRunner) RunStatus(name string, args ...string) error { return nil }

func findmntJSON(source string) string {
	return fmt.Sprintf(`{"filesystems":[{"source":%q,"fstype":"ext4","options":"rw","uuid":"11111111-1111-1111-1111-111111111111"}]}`, source)
}

var _ = Describe("GetDevices", func() {
	It("walks upward from the /boot mount source to its owning whole disk", func() {
		runner := &fakeRunner{
			findmnt: map[string]string{"boot": findmntJSON("/dev/sda1")},
			lsblk: map[string][]string{
				"/dev/sda1": {`NAME="/dev/sda" TYPE="disk"`},
				"/dev/sda":  {},
			},
		}
		devices, err := blockdev.GetDevices(runner, "/target")
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(Equal([]string{"/dev/sda"}))
	})

	It("falls back to probing /sysroot when /boot cannot be probed", func() {
		runner := &fakeRunner{
			findmnt:    map[string]string{"sysroot": findmntJSON("/dev/vda3")},
			findmntErr: map[string]error{"boot": errors.New("no such mountpoint")},
			lsblk: map[string][]string{
				"/dev/vda3": {`NAME="/dev/vda" TYPE="disk"`},
				"/dev/vda":  {},
			},
		}
		devices, err := blockdev.GetDevices(runner, "/target")
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(Equal([]string{"/dev/vda"}))
	})

	It("errors when neither /boot nor /sysroot can be probed", func() {
		runner := &fakeRunner{
			findmntErr: map[string]error{
				"boot":    errors.New("no such mountpoint"),
				"sysroot": errors.New("no such mountpoint either"),
			},
		}
		_, err := blockdev.GetDevices(runner, "/target")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("GetSingleDevice", func() {
	It("errors when a device has more than one parent", func() {
		runner := &fakeRunner{
			findmnt: map[string]string{"boot": findmntJSON("/dev/md0")},
			lsblk: map[string][]string{
				"/dev/md0": {
					`NAME="/dev/sda" TYPE="disk"`,
					`NAME="/dev/sdb" TYPE="disk"`,
				},
			},
		}
		_, err := blockdev.GetSingleDevice(runner, "/target")
		Expect(err).To(HaveOccurred())
	})

	It("stops walking at the first mpath parent", func() {
		runner := &fakeRunner{
			findmnt: map[string]string{"boot": findmntJSON("/dev/dm-1")},
			lsblk: map[string][]string{
				"/dev/dm-1": {`NAME="/dev/dm-0" TYPE="mpath"`},
			},
		}
		dev, err := blockdev.GetSingleDevice(runner, "/target")
		Expect(err).NotTo(HaveOccurred())
		Expect(dev).To(Equal("/dev/dm-0"))
	})
})

var _ = Describe("PartitionNumber", func() {
	It("falls back to stripping the device basename down to its trailing digits when sysfs has no partition attribute", func() {
		n, err := blockdev.PartitionNumber("/dev/mapper/mpatha-part3")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
	})

	It("errors when no digits can be recovered at all", func() {
		_, err := blockdev.PartitionNumber("/dev/mapper/mpatha-part")
		Expect(err).To(HaveOccurred())
	})
})

func createGPTDisk(path string, partitions []*gpt.Partition) {
	img, err := diskfs.Create(path, 16*1024*1024, diskfs.Raw, diskfs.SectorSize512)
	Expect(err).NotTo(HaveOccurred())
	table := &gpt.Table{ProtectiveMBR: true, Partitions: partitions}
	Expect(img.Partition(table)).To(Succeed())
}

var _ = Describe("FindColocatedESPs and FindColocatedBIOSBoot", func() {
	var dir, disk1, disk2 string

	BeforeEach(func() {
		d, err := os.MkdirTemp("", "blockdev-gpt")
		Expect(err).NotTo(HaveOccurred())
		dir = d
		DeferCleanup(func() { os.RemoveAll(dir) })

		disk1 = filepath.Join(dir, "disk1.img")
		disk2 = filepath.Join(dir, "disk2.img")
		for _, disk := range []string{disk1, disk2} {
			createGPTDisk(disk, []*gpt.Partition{
				{Name: "ESP", Type: gpt.EFISystemPartition, Start: 2048, End: 4095, Size: 2048 * 512},
				{Name: "BIOS-BOOT", Type: gpt.BIOSBoot, Start: 6144, End: 8191, Size: 2048 * 512},
			})
		}
	})

	It("reports every ESP across all co-located disks, not just the first", func() {
		esps, err := blockdev.FindColocatedESPs([]string{disk1, disk2})
		Expect(err).NotTo(HaveOccurred())
		Expect(esps).To(HaveLen(2))
		for _, esp := range esps {
			Expect(esp.IsESPPart()).To(BeTrue())
		}
	})

	It("reports every BIOS-Boot partition across all co-located disks", func() {
		parts, err := blockdev.FindColocatedBIOSBoot([]string{disk1, disk2})
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(2))
		for _, p := range parts {
			Expect(p.IsBIOSBootPart()).To(BeTrue())
		}
	})

	It("GetESPPartition returns only the first match", func() {
		esp, err := blockdev.GetESPPartition([]string{disk1, disk2})
		Expect(err).NotTo(HaveOccurred())
		Expect(esp).NotTo(BeNil())
		Expect(esp.IsESPPart()).To(BeTrue())
	})
})
