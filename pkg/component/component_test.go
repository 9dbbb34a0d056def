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

package component_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/component"
)

func TestComponent(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "component suite")
}

var _ = Describe("QueryAdoptState", func() {
	var sysroot string

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "component-sysroot")
		Expect(err).NotTo(HaveOccurred())
		sysroot = dir
		DeferCleanup(func() { os.RemoveAll(sysroot) })
	})

	It("reads the nested aleph.version and top-level ts from .coreos-aleph-version.json", func() {
		Expect(os.MkdirAll(filepath.Join(sysroot, "sysroot"), 0o755)).To(Succeed())
		alephPath := filepath.Join(sysroot, "sysroot", ".coreos-aleph-version.json")
		Expect(os.WriteFile(alephPath,
			[]byte(`{"aleph":{"version":"39.20231101.3.0"},"ts":"2023-11-01T12:00:00Z"}`), 0o644)).To(Succeed())

		adoptable, err := component.QueryAdoptState(sysroot)
		Expect(err).NotTo(HaveOccurred())
		Expect(adoptable).NotTo(BeNil())
		Expect(adoptable.Confident).To(BeTrue())
		Expect(adoptable.Version.Version).To(Equal("39.20231101.3.0"))
		Expect(adoptable.Version.Timestamp).To(Equal(time.Date(2023, 11, 1, 12, 0, 0, 0, time.UTC)))
	})

	It("falls back to unknown when aleph.version is absent, but still honors ts", func() {
		Expect(os.MkdirAll(filepath.Join(sysroot, "sysroot"), 0o755)).To(Succeed())
		alephPath := filepath.Join(sysroot, "sysroot", ".coreos-aleph-version.json")
		Expect(os.WriteFile(alephPath, []byte(`{"ts":"2023-11-01T12:00:00Z"}`), 0o644)).To(Succeed())

		adoptable, err := component.QueryAdoptState(sysroot)
		Expect(err).NotTo(HaveOccurred())
		Expect(adoptable.Version.Version).To(Equal("unknown"))
		Expect(adoptable.Version.Timestamp).To(Equal(time.Date(2023, 11, 1, 12, 0, 0, 0, time.UTC)))
	})

	It("falls back to the ostree deploy directory's birth time when no aleph file exists", func() {
		Expect(os.MkdirAll(filepath.Join(sysroot, "ostree", "deploy"), 0o755)).To(Succeed())

		adoptable, err := component.QueryAdoptState(sysroot)
		Expect(err).NotTo(HaveOccurred())
		Expect(adoptable).NotTo(BeNil())
		Expect(adoptable.Version.Version).To(Equal("unknown"))
	})

	It("returns nil, nil when neither the aleph file nor the ostree deploy dir exists", func() {
		adoptable, err := component.QueryAdoptState(sysroot)
		Expect(err).NotTo(HaveOccurred())
		Expect(adoptable).To(BeNil())
	})

	It("errors on a malformed aleph file instead of silently reporting unknown", func() {
		Expect(os.MkdirAll(filepath.Join(sysroot, "sysroot"), 0o755)).To(Succeed())
		alephPath := filepath.Join(sysroot, "sysroot", ".coreos-aleph-version.json")
		Expect(os.WriteFile(alephPath, []byte(`not json`), 0o644)).To(Succeed())

		_, err := component.QueryAdoptState(sysroot)
		Expect(err).To(HaveOccurred())
	})
})
