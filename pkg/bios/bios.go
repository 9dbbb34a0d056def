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

// Package bios implements the BIOS/PReP boot-record Component: it has no
// filetree of its own, only a device-write side effect performed by
// grub2-install against every whole disk in the root context, per
// SPEC_FULL.md §4.7.
package bios

import (
	"os"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/blockdev"
	"github.com/coreos/bootupd/pkg/component"
	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/efi"
	"github.com/coreos/bootupd/pkg/state"
	"github.com/coreos/bootupd/pkg/sysiface"
)

// Component is the BIOS Component implementation.
type Component struct {
	Runner sysiface.Runner
	Log    sysiface.Logger
}

var _ component.Component = (*Component)(nil)

// Name implements component.Component.
func (c *Component) Name() string { return constants.ComponentBIOS }

// grubTarget is both the grub2-install --target value and the architecture
// module directory name; they coincide for every architecture this
// component supports.
func grubTarget() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "i386-pc", nil
	case "ppc64", "ppc64le":
		return "powerpc-ieee1275", nil
	default:
		return "", errors.Errorf("BIOS component is not supported on %s", runtime.GOARCH)
	}
}

// resolveDevice turns a whole-disk path into the argument grub2-install
// expects: the disk itself everywhere except ppc64, where it must be the
// PReP partition.
func (c *Component) resolveDevice(disk string) (string, error) {
	if runtime.GOARCH != "ppc64" && runtime.GOARCH != "ppc64le" {
		return disk, nil
	}
	parts, err := blockdev.ListDev(disk)
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		if p.IsPRePPart(0) {
			return p.Path, nil
		}
	}
	return "", errors.Errorf("no PReP partition found on %s", disk)
}

func (c *Component) installOneDisk(destRoot, disk string) error {
	if _, err := os.Stat(destRoot + "/" + constants.GrubInstallBin); err != nil {
		return errors.Wrapf(err, "%s not present in target root", constants.GrubInstallBin)
	}
	t, err := grubTarget()
	if err != nil {
		return err
	}
	device, err := c.resolveDevice(disk)
	if err != nil {
		return err
	}
	args := []string{
		"--target=" + t,
		"--boot-directory=" + destRoot + "/boot",
	}
	if runtime.GOARCH == "amd64" {
		args = append(args, `--modules=mdraid1x part_gpt`)
	}
	if runtime.GOARCH == "ppc64" || runtime.GOARCH == "ppc64le" {
		args = append(args, "--no-nvram")
	}
	args = append(args, device)

	c.Log.Infof("grub2-install %s boot-dir=%s", t, destRoot+"/boot")
	if err := c.Runner.RunStatus("grub2-install", args...); err != nil {
		return errors.Wrapf(err, "grub2-install on %s", device)
	}
	return nil
}

// installAllDisks runs grub2-install against every whole disk, aggregating
// any failures instead of stopping at the first — per SPEC_FULL.md §4.7 the
// BIOS mirror story requires every redundant leg to match.
func (c *Component) installAllDisks(destRoot string, disks []string) error {
	var result *multierror.Error
	for _, disk := range disks {
		if err := c.installOneDisk(destRoot, disk); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Install implements component.Component.
func (c *Component) Install(srcRoot, destRoot, device string, updateFirmware bool) (*state.InstalledContent, error) {
	if device == "" {
		return nil, errors.New("BIOS install requires an explicit target device")
	}
	if err := c.installOneDisk(destRoot, device); err != nil {
		return nil, err
	}
	meta, err := c.GenerateUpdateMetadata(srcRoot)
	if err != nil {
		return nil, err
	}
	return &state.InstalledContent{Meta: *meta}, nil
}

// GenerateUpdateMetadata implements component.Component. BIOS has no
// filetree payload of its own; this reads back the BIOS.json metadata
// already stored under usr/lib/bootupd/updates. No RPM query is made, so
// the version is not derived from the installed grub2 packages.
func (c *Component) GenerateUpdateMetadata(sysroot string) (*state.ContentMetadata, error) {
	return component.ReadUpdateMetadata(sysroot, constants.ComponentBIOS)
}

// QueryUpdate implements component.Component.
func (c *Component) QueryUpdate(sysroot string) (*state.ContentMetadata, error) {
	return component.ReadUpdateMetadata(sysroot, constants.ComponentBIOS)
}

// RunUpdate implements component.Component: reinstall on every disk.
func (c *Component) RunUpdate(rc *component.RootContext, current state.InstalledContent) (*state.InstalledContent, error) {
	if err := c.installAllDisks(rc.Sysroot, rc.Devices); err != nil {
		return nil, err
	}
	return &current, nil
}

// AdoptUpdate implements component.Component: same physical action as
// RunUpdate, since BIOS has no filetree to diff. It returns nil when
// QueryAdopt finds nothing to adopt, and records the synthesized prior
// version in AdoptedFrom.
func (c *Component) AdoptUpdate(rc *component.RootContext, updateMeta state.ContentMetadata, withStaticConfig bool) (*state.InstalledContent, error) {
	adoptable, err := c.QueryAdopt(rc)
	if err != nil {
		return nil, err
	}
	if adoptable == nil {
		return nil, nil
	}
	if err := c.installAllDisks(rc.Sysroot, rc.Devices); err != nil {
		return nil, err
	}
	return &state.InstalledContent{Meta: updateMeta, AdoptedFrom: adoptable.Version.Version}, nil
}

// Validate implements component.Component: BIOS has no filetree to compare,
// so validation always skips.
func (c *Component) Validate(rc *component.RootContext, current state.InstalledContent) error {
	return component.ErrSkip
}

// MigrateStaticGrubConfig implements component.Component: BIOS owns no GRUB
// config of its own (the static config lives under /boot, shared with EFI),
// so this is a no-op for BIOS.
func (c *Component) MigrateStaticGrubConfig(rc *component.RootContext) error { return nil }

// GetEFIVendor implements component.Component; BIOS has no EFI vendor
// concept.
func (c *Component) GetEFIVendor(sysroot string) (string, error) {
	return "", errors.New("BIOS component has no EFI vendor")
}

// QueryAdopt implements component.Component: on x86_64, an EFI-booted
// system with no co-located BIOS-Boot partition has nothing for BIOS to
// adopt.
func (c *Component) QueryAdopt(rc *component.RootContext) (*state.Adoptable, error) {
	if runtime.GOARCH == "amd64" && efi.IsEFIBooted() {
		biosPart, err := blockdev.GetBIOSBootPartition(rc.Devices)
		if err != nil {
			return nil, err
		}
		if biosPart == nil {
			return nil, nil
		}
	}
	return component.QueryAdoptState(rc.Sysroot)
}
