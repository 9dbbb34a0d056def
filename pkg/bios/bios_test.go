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

package bios_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/bios"
	"github.com/coreos/bootupd/pkg/component"
	"github.com/coreos/bootupd/pkg/logging"
	"github.com/coreos/bootupd/pkg/state"
)

func TestBios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "bios suite")
}

type recordedCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls []recordedCall
	err   error
}

func (f *fakeRunner) Run(name string, args ...string) ([]byte, error) { return nil, nil }
func (f *fakeRunner) RunWithDir(dir, name string, args ...string) ([]byte, error) {
	return nil, nil
}
func (f *fakeRunner) RunStatus(name string, args ...string) error {
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	return f.err
}

var _ = Describe("BIOS Component", func() {
	var destRoot string

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "bios-destroot")
		Expect(err).NotTo(HaveOccurred())
		destRoot = dir
		DeferCleanup(func() { os.RemoveAll(destRoot) })
		Expect(os.MkdirAll(filepath.Join(destRoot, "usr", "sbin"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(destRoot, "usr", "sbin", "grub2-install"), []byte("#!/bin/true\n"), 0o755)).To(Succeed())
	})

	It("invokes grub2-install on every disk in the root context", func() {
		runner := &fakeRunner{}
		c := &bios.Component{Runner: runner, Log: logging.New()}
		rc := &component.RootContext{Sysroot: destRoot, Devices: []string{"/dev/sda", "/dev/sdb"}}

		_, err := c.RunUpdate(rc, state.InstalledContent{})
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.calls).To(HaveLen(2))
		Expect(runner.calls[0].name).To(Equal("grub2-install"))
		Expect(runner.calls[0].args).To(ContainElement("/dev/sda"))
		Expect(runner.calls[1].args).To(ContainElement("/dev/sdb"))
	})

	It("Validate always skips: BIOS has no filetree", func() {
		c := &bios.Component{Runner: &fakeRunner{}, Log: logging.New()}
		err := c.Validate(&component.RootContext{}, state.InstalledContent{})
		Expect(err).To(MatchError(component.ErrSkip))
	})

	It("Install requires an explicit device", func() {
		c := &bios.Component{Runner: &fakeRunner{}, Log: logging.New()}
		_, err := c.Install(destRoot, destRoot, "", false)
		Expect(err).To(HaveOccurred())
	})
})
