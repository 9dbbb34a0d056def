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

package state_test

import (
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/logging"
	"github.com/coreos/bootupd/pkg/state"
)

func TestState(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "state suite")
}

var _ = Describe("SavedState", func() {
	var bootDir string

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "bootupd-state")
		Expect(err).NotTo(HaveOccurred())
		bootDir = dir
		DeferCleanup(func() { os.RemoveAll(bootDir) })
	})

	It("round-trips through Save/Load", func() {
		s := state.New()
		s.Installed["EFI"] = state.InstalledContent{
			Meta: state.ContentMetadata{Timestamp: time.Unix(1700000000, 0).UTC(), Version: "grub2-1:2.12-28.fc42"},
		}
		Expect(s.Save(bootDir)).To(Succeed())

		loaded, err := state.Load(bootDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Installed["EFI"].Meta.Version).To(Equal("grub2-1:2.12-28.fc42"))
	})

	It("rejects a pending entry with no matching installed entry", func() {
		s := state.New()
		s.Pending = map[string]state.ContentMetadata{"EFI": {Version: "x"}}
		err := s.Save(bootDir)
		Expect(err).To(HaveOccurred())
	})

	It("P6: a crash between BeginUpdate and CompleteUpdate leaves a pending marker", func() {
		s := state.New()
		s.Installed["EFI"] = state.InstalledContent{Meta: state.ContentMetadata{Version: "v1"}}
		Expect(s.Save(bootDir)).To(Succeed())

		Expect(s.BeginUpdate(bootDir, "EFI", state.ContentMetadata{Version: "v2"})).To(Succeed())

		reloaded, err := state.Load(bootDir)
		Expect(err).NotTo(HaveOccurred())
		pending, ok := reloaded.InterruptedUpdate("EFI")
		Expect(ok).To(BeTrue())
		Expect(pending.Version).To(Equal("v2"))

		Expect(reloaded.CompleteUpdate(bootDir, "EFI", state.InstalledContent{Meta: pending})).To(Succeed())
		final, err := state.Load(bootDir)
		Expect(err).NotTo(HaveOccurred())
		_, ok = final.InterruptedUpdate("EFI")
		Expect(ok).To(BeFalse())
		Expect(final.Installed["EFI"].Meta.Version).To(Equal("v2"))
	})

	It("Exists reflects whether the state file has been created", func() {
		Expect(state.Exists(bootDir)).To(BeFalse())
		Expect(state.New().Save(bootDir)).To(Succeed())
		Expect(state.Exists(bootDir)).To(BeTrue())
	})

	It("AcquireWriteLock can be acquired again after Release", func() {
		log := logging.New()
		lock, err := state.AcquireWriteLock(log, bootDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(lock.Release()).To(Succeed())

		lock2, err := state.AcquireWriteLock(log, bootDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(lock2.Release()).To(Succeed())
	})
})
