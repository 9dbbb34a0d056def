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

package systemdboot_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/systemdboot"
)

func TestSystemdboot(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "systemdboot suite")
}

type recordedCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls []recordedCall
}

func (f *fakeRunner) Run(name string, args ...string) ([]byte, error) { return nil, nil }
func (f *fakeRunner) RunWithDir(dir, name string, args ...string) ([]byte, error) {
	return nil, nil
}
func (f *fakeRunner) RunStatus(name string, args ...string) error {
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	return nil
}

var _ = Describe("Install", func() {
	var srcRoot, espPath string
	var runner *fakeRunner

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "systemdboot-src")
		Expect(err).NotTo(HaveOccurred())
		srcRoot = dir
		DeferCleanup(func() { os.RemoveAll(srcRoot) })

		espDir, err := os.MkdirTemp("", "systemdboot-esp")
		Expect(err).NotTo(HaveOccurred())
		espPath = espDir
		DeferCleanup(func() { os.RemoveAll(espPath) })

		runner = &fakeRunner{}
	})

	It("invokes bootctl install with the ESP path", func() {
		Expect(systemdboot.Install(runner, srcRoot, espPath)).To(Succeed())
		Expect(runner.calls).To(HaveLen(1))
		Expect(runner.calls[0].name).To(Equal("bootctl"))
		Expect(runner.calls[0].args).To(ContainElement("--esp-path=" + espPath))
	})

	It("seeds loader.conf into the ESP when the source tree carries one", func() {
		seedDir := filepath.Join(srcRoot, "usr/lib/bootupd/systemd-boot")
		Expect(os.MkdirAll(seedDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(seedDir, "loader.conf"), []byte("default fedora\n"), 0o644)).To(Succeed())

		Expect(systemdboot.Install(runner, srcRoot, espPath)).To(Succeed())

		data, err := os.ReadFile(filepath.Join(espPath, "loader", "loader.conf"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("default fedora\n"))
	})

	It("is a no-op when no seed loader.conf exists", func() {
		Expect(systemdboot.Install(runner, srcRoot, espPath)).To(Succeed())
		_, err := os.Stat(filepath.Join(espPath, "loader", "loader.conf"))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})
})
