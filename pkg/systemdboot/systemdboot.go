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

// Package systemdboot is a thin proxy over `bootctl install`, supplemented
// from original_source/src/systemdbootconfigs.rs: systems booted via
// systemd-boot (detected by the EFI LoaderInfo variable in pkg/efi) are not
// managed by the GRUB-based EFI/BIOS components, but still need their ESP
// populated when adopted, per SPEC_FULL.md §9.
package systemdboot

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/sysiface"
)

// Install runs `bootctl install --esp-path=<espPath>` and, if the source
// tree carries a seed usr/lib/bootupd/systemd-boot/loader.conf, copies it
// into the ESP's loader/loader.conf.
func Install(runner sysiface.Runner, srcRoot, espPath string) error {
	if err := runner.RunStatus("bootctl", "install", "--esp-path="+espPath); err != nil {
		return errors.Wrap(err, "bootctl install")
	}

	seed := filepath.Join(srcRoot, constants.SystemdBootConfigDir, "loader.conf")
	data, err := os.ReadFile(seed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", seed)
	}
	loaderDir := filepath.Join(espPath, "loader")
	if err := os.MkdirAll(loaderDir, constants.DirPerm); err != nil {
		return errors.Wrapf(err, "creating %s", loaderDir)
	}
	if err := os.WriteFile(filepath.Join(loaderDir, "loader.conf"), data, constants.FilePerm); err != nil {
		return errors.Wrap(err, "writing loader.conf")
	}
	return nil
}
