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

// Package ostreeutil wraps the two ostree-specific collaborators bootupd
// depends on: resolving the RPM database path under a sysroot, and getting/
// setting the ostree repo's sysroot.bootloader config key, per
// SPEC_FULL.md §9.
package ostreeutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/sysiface"
)

// RpmDbPath resolves the RPM database location under sysroot, preferring
// the modern usr/lib/sysimage/rpm path and falling back to the legacy
// usr/share/rpm when that doesn't exist.
func RpmDbPath(sysroot string) string {
	modern := filepath.Join(sysroot, "usr/lib/sysimage/rpm")
	if info, err := os.Stat(modern); err == nil && info.IsDir() {
		return modern
	}
	return filepath.Join(sysroot, "usr/share/rpm")
}

// GetBootloader reads the ostree repo's sysroot.bootloader config key.
func GetBootloader(runner sysiface.Runner, sysroot string) (string, error) {
	out, err := runner.Run("ostree", "config", "--repo="+filepath.Join(sysroot, "ostree/repo"),
		"get", "sysroot.bootloader")
	if err != nil {
		return "", errors.Wrap(err, "reading sysroot.bootloader")
	}
	return strings.TrimSpace(string(out)), nil
}

// SetBootloader sets the ostree repo's sysroot.bootloader config key.
func SetBootloader(runner sysiface.Runner, sysroot, value string) error {
	_, err := runner.Run("ostree", "config", "--repo="+filepath.Join(sysroot, "ostree/repo"),
		"set", "sysroot.bootloader", value)
	if err != nil {
		return errors.Wrapf(err, "setting sysroot.bootloader=%s", value)
	}
	return nil
}
