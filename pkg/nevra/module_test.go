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

package nevra_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/nevra"
)

func TestNevra(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "nevra suite")
}

var _ = Describe("CompareVersions", func() {
	It("orders a simple upgrade as Less, and its reverse as Greater", func() {
		a := "grub2-1:2.12-28.fc42,shim-15.8-3"
		b := "grub2-1:2.12-28.fc42,shim-15.8-4"
		Expect(nevra.CompareVersions(a, b)).To(Equal(nevra.Less))
		Expect(nevra.CompareVersions(b, a)).To(Equal(nevra.Greater))
		Expect(nevra.CompareVersions(a, a)).To(Equal(nevra.Equal))
	})

	It("collapses grub2/shim NEVRA prefixes so mixed forms compare equal", func() {
		a := "grub2-efi-x64-1:2.12-28.fc42.x86_64,shim-x64-15.8-3.x86_64"
		b := "grub2-1:2.12-28.fc42,shim-15.8-3"
		Expect(nevra.CompareVersions(a, b)).To(Equal(nevra.Equal))
	})

	It("is asymmetric: any token Less makes the whole comparison Less", func() {
		a := "grub2-1:2.12-28.fc42,shim-15.8-3"
		b := "grub2-1:2.12-27.fc42,shim-15.8-4"
		Expect(nevra.CompareVersions(a, b)).To(Equal(nevra.Less))
		Expect(nevra.CompareVersions(b, a)).To(Equal(nevra.Less))
	})

	It("P2: permuting b's tokens does not change a Less result", func() {
		a := "grub2-1:2.12-27.fc42,shim-15.8-3"
		b := "grub2-1:2.12-28.fc42,shim-15.8-3"
		c := "shim-15.8-3,grub2-1:2.12-28.fc42"
		Expect(nevra.CompareVersions(a, b)).To(Equal(nevra.Less))
		Expect(nevra.CompareVersions(a, c)).To(Equal(nevra.Less))
	})

	It("P3: appending one extra token makes the shorter slice Less, longer Greater", func() {
		a := "grub2-1:2.12-28.fc42"
		b := "grub2-1:2.12-28.fc42,shim-15.8-3"
		Expect(nevra.CompareVersions(a, b)).To(Equal(nevra.Less))
		Expect(nevra.CompareVersions(b, a)).To(Equal(nevra.Greater))
	})
})

var _ = Describe("Parse", func() {
	It("splits non-arch tokens at the first '-'", func() {
		m := nevra.Parse("foo-1.2-3")
		Expect(m.Name).To(Equal("foo"))
		Expect(m.RpmEVR).To(Equal("1.2-3"))
	})

	It("parses a name-only token with no EVR", func() {
		m := nevra.Parse("foo")
		Expect(m.Name).To(Equal("foo"))
		Expect(m.RpmEVR).To(Equal(""))
	})
})
