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

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coreos/bootupd/pkg/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config suite")
}

var _ = Describe("LoadComponentOverride", func() {
	It("returns nil, nil when the file does not exist", func() {
		override, err := config.LoadComponentOverride(filepath.Join(os.TempDir(), "does-not-exist.yaml"))
		Expect(err).NotTo(HaveOccurred())
		Expect(override).To(BeNil())
	})

	It("parses an architecture override table", func() {
		dir, err := os.MkdirTemp("", "config")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })
		path := filepath.Join(dir, "components.yaml")
		Expect(os.WriteFile(path, []byte("architectures:\n  amd64:\n    - EFI\n"), 0o644)).To(Succeed())

		override, err := config.LoadComponentOverride(path)
		Expect(err).NotTo(HaveOccurred())
		names, ok := override.ComponentsFor("amd64")
		Expect(ok).To(BeTrue())
		Expect(names).To(Equal([]string{"EFI"}))
	})

	It("ComponentsFor on a nil override reports not-found", func() {
		var override *config.ComponentOverride
		_, ok := override.ComponentsFor("amd64")
		Expect(ok).To(BeFalse())
	})
})
