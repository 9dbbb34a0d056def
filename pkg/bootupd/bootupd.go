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

// Package bootupd is the top-level update orchestrator: it wires the
// per-architecture component table to the persisted SavedState's
// write-locked update sequence, matching the control-flow sequencing of
// the original daemon/client split without the IPC layer itself, per
// SPEC_FULL.md §2/§4.3/§11.
package bootupd

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/bios"
	"github.com/coreos/bootupd/pkg/blockdev"
	"github.com/coreos/bootupd/pkg/component"
	"github.com/coreos/bootupd/pkg/config"
	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/efi"
	"github.com/coreos/bootupd/pkg/grubstatic"
	"github.com/coreos/bootupd/pkg/nevra"
	"github.com/coreos/bootupd/pkg/ostreeutil"
	"github.com/coreos/bootupd/pkg/state"
	"github.com/coreos/bootupd/pkg/sysiface"
	"github.com/coreos/bootupd/pkg/systemdboot"
)

// Engine holds the collaborators every orchestrator entry point needs.
type Engine struct {
	Runner  sysiface.Runner
	Mounter sysiface.Mounter
	Sys     sysiface.Syscall
	Fs      sysiface.Fs
	Log     sysiface.Logger

	// ComponentOverride lets a dev/test environment replace the compiled-in
	// architecture table; nil means use pkg/component.StaticComponents as-is.
	ComponentOverride *config.ComponentOverride
}

// Components returns the architecture-fixed, ordered component table,
// honoring a ComponentOverride if one was configured.
func (e *Engine) Components() (map[string]component.Component, error) {
	names, err := e.componentNames()
	if err != nil {
		return nil, err
	}
	out := map[string]component.Component{}
	for _, name := range names {
		switch name {
		case constants.ComponentEFI:
			out[name] = &efi.Component{Runner: e.Runner, Mounter: e.Mounter, Sys: e.Sys, Log: e.Log}
		case constants.ComponentBIOS:
			out[name] = &bios.Component{Runner: e.Runner, Log: e.Log}
		}
	}
	return out, nil
}

func (e *Engine) componentNames() ([]string, error) {
	if names, ok := e.ComponentOverride.ComponentsFor(runtime.GOARCH); ok {
		return names, nil
	}
	return component.StaticComponents()
}

// adoptSystemdBoot hands adoption off to the systemd-boot proxy installer
// when the ESP is already managed by systemd-boot/stub rather than GRUB, per
// SPEC_FULL.md §9. It is a sibling action to the EFI component's own
// adoption path, not a method the component exposes itself.
func (e *Engine) adoptSystemdBoot(sysroot string, rc *component.RootContext) error {
	esps, err := blockdev.FindColocatedESPs(rc.Devices)
	if err != nil {
		return err
	}
	if len(esps) == 0 {
		return errors.New("no colocated ESP found for systemd-boot adoption")
	}
	mounter := &efi.Component{Runner: e.Runner, Mounter: e.Mounter, Sys: e.Sys, Log: e.Log}
	espPath, err := mounter.EnsureMountedESP(sysroot, esps[0].Path)
	if err != nil {
		return err
	}
	defer mounter.Unmount()
	return systemdboot.Install(e.Runner, sysroot, espPath)
}

func (e *Engine) rootContext(sysroot string) (*component.RootContext, error) {
	devices, err := blockdev.GetDevices(e.Runner, sysroot)
	if err != nil {
		return nil, err
	}
	return &component.RootContext{Sysroot: sysroot, Path: "/", Devices: devices}, nil
}

// Install implements the "install" entry point: for every component in the
// architecture table, run its Install, optionally migrate the OS image's
// symlinked grub.cfg to the static config tree (SPEC_FULL.md §4.9), then
// write a fresh SavedState under an exclusive write lock. install refuses to
// run if a state file already exists.
func (e *Engine) Install(srcRoot, destRoot, device string, updateFirmware, withStaticConfig bool) error {
	bootDir := destRoot + "/boot"
	if state.Exists(bootDir) {
		return errors.New("failed to install: a state file already exists, refusing to re-install")
	}

	components, err := e.Components()
	if err != nil {
		return err
	}
	if len(components) == 0 {
		e.Log.Infof("no components available for this platform")
		return nil
	}

	s := state.New()
	for name, c := range components {
		installed, err := c.Install(srcRoot, destRoot, device, updateFirmware)
		if err != nil {
			return errors.Wrapf(err, "installing %s", name)
		}
		s.Installed[name] = *installed
	}

	if withStaticConfig {
		if err := grubstatic.MigrateStaticConfig(e.Runner, e.Sys, e.Log, destRoot,
			ostreeutil.GetBootloader, ostreeutil.SetBootloader); err != nil {
			return errors.Wrap(err, "migrating to static grub config")
		}
	}

	lock, err := state.AcquireWriteLock(e.Log, bootDir)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.Save(bootDir)
}

// GenerateUpdateMetadata implements the "generate-update-metadata" entry
// point: asks every architecture component to refresh its ContentMetadata
// under sysroot's update-payload tree.
func (e *Engine) GenerateUpdateMetadata(sysroot string) error {
	components, err := e.Components()
	if err != nil {
		return err
	}
	for name, c := range components {
		meta, err := c.GenerateUpdateMetadata(sysroot)
		if err != nil {
			return errors.Wrapf(err, "generating update metadata for %s", name)
		}
		e.Log.Infof("generated update layout for %s: %s", name, meta.Version)
	}
	return nil
}

// ComponentUpdateResult is the outcome of Update.
type ComponentUpdateResult struct {
	AtLatestVersion bool
	Previous        state.ContentMetadata
	Interrupted     *state.ContentMetadata
	New             state.ContentMetadata
}

// Update implements the "update one component" entry point: the six-step
// write-locked sequence from SPEC_FULL.md §4.3.
func (e *Engine) Update(sysroot, name string) (*ComponentUpdateResult, error) {
	bootDir := sysroot + "/boot"
	s, err := state.Load(bootDir)
	if err != nil {
		return nil, err
	}
	components, err := e.Components()
	if err != nil {
		return nil, err
	}
	c, ok := components[name]
	if !ok {
		return nil, errors.Errorf("unknown component %s", name)
	}
	inst, ok := s.Installed[name]
	if !ok {
		return nil, errors.Errorf("component %s is not installed", name)
	}

	update, err := c.QueryUpdate(sysroot)
	if err != nil {
		return nil, err
	}
	if update == nil || nevra.CompareVersions(inst.Meta.Version, update.Version) != nevra.Less {
		return &ComponentUpdateResult{AtLatestVersion: true}, nil
	}

	var interrupted *state.ContentMetadata
	if pending, ok := s.InterruptedUpdate(name); ok {
		interrupted = &pending
	}

	lock, err := state.AcquireWriteLock(e.Log, bootDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if err := s.BeginUpdate(bootDir, name, *update); err != nil {
		return nil, err
	}

	rc, err := e.rootContext(sysroot)
	if err != nil {
		return nil, err
	}
	newInst, err := c.RunUpdate(rc, inst)
	if err != nil {
		return nil, errors.Wrapf(err, "updating %s", name)
	}

	if err := s.CompleteUpdate(bootDir, name, *newInst); err != nil {
		return nil, err
	}

	return &ComponentUpdateResult{Previous: inst.Meta, Interrupted: interrupted, New: *update}, nil
}

// AdoptAndUpdate implements the "adopt-and-update" entry point: synthesize
// a prior version for a component bootupd didn't install, then update it
// in place.
func (e *Engine) AdoptAndUpdate(sysroot, name string, withStaticConfig bool) (*state.ContentMetadata, error) {
	bootDir := sysroot + "/boot"
	var s *state.SavedState
	if state.Exists(bootDir) {
		loaded, err := state.Load(bootDir)
		if err != nil {
			return nil, err
		}
		s = loaded
	} else {
		s = state.New()
	}
	if _, already := s.Installed[name]; already {
		return nil, errors.Errorf("component %s is already installed", name)
	}

	components, err := e.Components()
	if err != nil {
		return nil, err
	}
	c, ok := components[name]
	if !ok {
		return nil, errors.Errorf("unknown component %s", name)
	}
	update, err := c.QueryUpdate(sysroot)
	if err != nil {
		return nil, err
	}
	if update == nil {
		return nil, errors.Errorf("component %s has no available update", name)
	}

	rc, err := e.rootContext(sysroot)
	if err != nil {
		return nil, err
	}
	inst, err := c.AdoptUpdate(rc, *update, withStaticConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "adopt-and-update %s", name)
	}
	if inst == nil {
		if name == constants.ComponentEFI && efi.IsSystemdBootManaged(e.Log) {
			if err := e.adoptSystemdBoot(sysroot, rc); err != nil {
				return nil, errors.Wrap(err, "falling back to systemd-boot proxy adoption")
			}
			return update, nil
		}
		return nil, errors.Errorf("component %s was not adoptable", name)
	}
	s.Installed[name] = *inst

	lock, err := state.AcquireWriteLock(e.Log, bootDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	if err := s.Save(bootDir); err != nil {
		return nil, err
	}
	return update, nil
}

// Validate implements the "validate" entry point.
func (e *Engine) Validate(sysroot, name string) error {
	bootDir := sysroot + "/boot"
	s, err := state.Load(bootDir)
	if err != nil {
		return err
	}
	components, err := e.Components()
	if err != nil {
		return err
	}
	c, ok := components[name]
	if !ok {
		return errors.Errorf("unknown component %s", name)
	}
	inst, ok := s.Installed[name]
	if !ok {
		return errors.Errorf("component %s is not installed", name)
	}
	rc, err := e.rootContext(sysroot)
	if err != nil {
		return err
	}
	return c.Validate(rc, inst)
}

// ComponentStatus is one component's entry in Status's report.
type ComponentStatus struct {
	Name        string
	Installed   *state.InstalledContent
	Updatable   bool
	Interrupted *state.ContentMetadata
}

// Status is the full "status" report.
type Status struct {
	SupportedArchitecture bool
	Components            []ComponentStatus
	Disks                 []DiskInfo
}

// Status implements the "status" entry point: a read-only report, so it
// does not take the state write-lock.
func (e *Engine) Status(sysroot string) (*Status, error) {
	_, archErr := e.componentNames()
	result := &Status{SupportedArchitecture: archErr == nil}
	if archErr != nil {
		return result, nil
	}

	if rc, err := e.rootContext(sysroot); err == nil {
		for _, dev := range rc.Devices {
			if info := describeDisk(dev); info != nil {
				result.Disks = append(result.Disks, *info)
			}
		}
	}

	bootDir := sysroot + "/boot"
	s, err := state.Load(bootDir)
	if err != nil {
		return result, nil
	}
	components, err := e.Components()
	if err != nil {
		return nil, err
	}
	for name, c := range components {
		cs := ComponentStatus{Name: name}
		if inst, ok := s.Installed[name]; ok {
			instCopy := inst
			cs.Installed = &instCopy
			if update, err := c.QueryUpdate(sysroot); err == nil && update != nil {
				cs.Updatable = nevra.CompareVersions(inst.Meta.Version, update.Version) == nevra.Less
			}
		}
		if pending, ok := s.InterruptedUpdate(name); ok {
			cs.Interrupted = &pending
		}
		result.Components = append(result.Components, cs)
	}
	return result, nil
}

// CurrentArchIsSupported lets cmd/bootupd fail fast before touching the
// filesystem at all.
func CurrentArchIsSupported() bool {
	_, err := component.StaticComponents()
	return err == nil
}
