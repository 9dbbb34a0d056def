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

package grubstatic_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/grubstatic"
)

func TestGrubstatic(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "grubstatic suite")
}

var _ = Describe("FindEFIVendorDir", func() {
	var sysroot, espEFIDir string

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "grubstatic")
		Expect(err).NotTo(HaveOccurred())
		sysroot = dir
		DeferCleanup(func() { os.RemoveAll(sysroot) })

		updatesDir := filepath.Join(sysroot, "usr/lib/bootupd/updates/EFI/fedora")
		Expect(os.MkdirAll(updatesDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(updatesDir, "shimx64.efi"), []byte("shim data"), 0o644)).To(Succeed())

		espEFIDir = filepath.Join(sysroot, "EFI")
		Expect(os.MkdirAll(filepath.Join(espEFIDir, "BOOT"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(espEFIDir, "dell"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(espEFIDir, "fedora"), 0o755)).To(Succeed())
	})

	It("errors when the payload contains multiple shims", func() {
		Expect(os.MkdirAll(filepath.Join(sysroot, "usr/lib/bootupd/updates/EFI/centos"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(sysroot, "usr/lib/bootupd/updates/EFI/centos/shimx64.efi"), []byte("shim data"), 0o644)).To(Succeed())

		_, err := grubstatic.FindEFIVendorDir(sysroot, espEFIDir)
		Expect(err).To(HaveOccurred())
	})

	It("matches content and the {vendor}/shim path", func() {
		Expect(os.WriteFile(filepath.Join(espEFIDir, "BOOT", "shimx64.efi"), []byte("boot shim data"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(espEFIDir, "dell", "foo"), []byte("foo data"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(espEFIDir, "fedora", "grub.cfg"), []byte("grub config"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(espEFIDir, "fedora", "shimx64.efi"), []byte("shim data"), 0o644)).To(Succeed())

		vendor, err := grubstatic.FindEFIVendorDir(sysroot, espEFIDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(vendor).To(Equal("fedora"))
	})

	It("errors when content matches but the path is not {vendor}/shim", func() {
		Expect(os.WriteFile(filepath.Join(espEFIDir, "BOOT", "shimx64.efi"), []byte("shim data"), 0o644)).To(Succeed())

		_, err := grubstatic.FindEFIVendorDir(sysroot, espEFIDir)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("StripOstreeFencedBlock", func() {
	It("removes the inclusive BEGIN/END fenced block", func() {
		content := "before\n### BEGIN /etc/grub.d/15_ostree ###\nmanaged stuff\n### END /etc/grub.d/15_ostree ###\nafter\n"
		got := grubstatic.StripOstreeFencedBlock(content)
		Expect(got).To(Equal("before\nafter\n"))
	})

	It("is a no-op when there is no fenced block", func() {
		content := "just a plain config\n"
		Expect(grubstatic.StripOstreeFencedBlock(content)).To(Equal(content))
	})
})
