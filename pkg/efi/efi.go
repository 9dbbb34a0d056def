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

// Package efi implements the EFI System Partition Component: locating and
// mounting every co-located ESP, validating it is FAT, applying the
// filetree diff of an update payload, and optionally rewriting EFI
// firmware boot entries, per SPEC_FULL.md §4.6.
package efi

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"unicode/utf16"

	efilib "github.com/canonical/go-efilib"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/blockdev"
	"github.com/coreos/bootupd/pkg/component"
	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/filesystem"
	"github.com/coreos/bootupd/pkg/filetree"
	"github.com/coreos/bootupd/pkg/freezethaw"
	"github.com/coreos/bootupd/pkg/grubstatic"
	"github.com/coreos/bootupd/pkg/state"
	"github.com/coreos/bootupd/pkg/sysiface"
)

// bootupdGUID is the vendor GUID suffixed onto both the LoaderInfo and
// StubInfo EFI variable names.
var bootupdGUID = mustGUID("4a67b082-0a4c-41cf-b6c7-440b29bb8c4f")

func mustGUID(s string) efilib.GUID {
	u := uuid.MustParse(s)
	var g efilib.GUID
	copy(g[:], u[:])
	return g
}

// ShimName is the architecture-specific shim binary the update payload and
// every vendor directory on the ESP carry.
func ShimName() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "shimx64.efi", nil
	case "arm64":
		return "shimaa64.efi", nil
	case "riscv64":
		return "shimriscv64.efi", nil
	default:
		return "", errors.Errorf("EFI component is not supported on %s", runtime.GOARCH)
	}
}

// mountState is the ESP mount-point state machine held by Component.
type mountState int

const (
	unmounted mountState = iota
	mounted
)

// Component is the EFI Component implementation. It owns the mount state
// of the ESP it last mounted; EnsureMountedESP/Unmount transition it.
type Component struct {
	Runner  sysiface.Runner
	Mounter sysiface.Mounter
	Sys     sysiface.Syscall
	Log     sysiface.Logger

	state       mountState
	mountPoint  string
	mountedHere bool
}

var _ component.Component = (*Component)(nil)

// Name implements component.Component.
func (c *Component) Name() string { return constants.ComponentEFI }

// EnsureMountedESP transitions Unmounted -> Mounted: it tries each
// well-known mount point against destRoot; if one is already FAT-mounted it
// is reused (remounted rw if needed), otherwise espDevice is mounted there.
func (c *Component) EnsureMountedESP(destRoot, espDevice string) (string, error) {
	if c.state == mounted {
		return c.mountPoint, nil
	}
	for _, rel := range constants.ESPMounts {
		mp := filepath.Join(destRoot, rel)
		info, err := filesystem.Inspect(c.Runner, destRoot, rel)
		if err != nil {
			continue
		}
		if !strings.EqualFold(info.FSType, "vfat") {
			continue
		}
		if strings.Contains(info.Options, "ro") && !strings.Contains(info.Options, "rw") {
			if err := c.Runner.RunStatus("mount", "-o", "remount,rw", mp); err != nil {
				return "", errors.Wrapf(err, "remounting %s rw", mp)
			}
		}
		c.state = mounted
		c.mountPoint = mp
		c.mountedHere = false
		return mp, nil
	}

	mp := filepath.Join(destRoot, constants.ESPMounts[0])
	if err := os.MkdirAll(mp, constants.DirPerm); err != nil {
		return "", errors.Wrapf(err, "creating %s", mp)
	}
	if err := c.Mounter.Mount(espDevice, mp, "vfat", nil); err != nil {
		return "", errors.Wrapf(err, "mounting %s on %s", espDevice, mp)
	}
	c.state = mounted
	c.mountPoint = mp
	c.mountedHere = true
	return mp, nil
}

// Unmount transitions Mounted -> Unmounted, unmounting only if this
// Component mounted the ESP itself.
func (c *Component) Unmount() error {
	if c.state != mounted {
		return nil
	}
	defer func() {
		c.state = unmounted
		c.mountPoint = ""
	}()
	if !c.mountedHere {
		return nil
	}
	return c.Mounter.Unmount(c.mountPoint)
}

// payloadDir resolves the update payload tree, preferring the structured
// usr/lib/efi/<pkg>/<evr>/EFI layout and falling back to the legacy
// usr/lib/bootupd/updates/EFI.
func payloadDir(sysroot string) (string, error) {
	structured := filepath.Join(sysroot, constants.StructuredEFIRoot)
	if entries, err := os.ReadDir(structured); err == nil {
		for _, pkgEnt := range entries {
			pkgDir := filepath.Join(structured, pkgEnt.Name())
			evrEntries, err := os.ReadDir(pkgDir)
			if err != nil || len(evrEntries) == 0 {
				continue
			}
			candidate := filepath.Join(pkgDir, evrEntries[0].Name(), "EFI")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	legacy := filepath.Join(sysroot, constants.UpdatesEFIDir)
	if _, err := os.Stat(legacy); err == nil {
		return legacy, nil
	}
	return "", errors.New("no EFI update payload found")
}

// Install implements component.Component.
func (c *Component) Install(srcRoot, destRoot, device string, updateFirmware bool) (*state.InstalledContent, error) {
	payload, err := payloadDir(srcRoot)
	if err != nil {
		return nil, err
	}
	espPath, err := c.EnsureMountedESP(destRoot, device)
	if err != nil {
		return nil, err
	}
	tree, err := filetree.Build(payload)
	if err != nil {
		return nil, err
	}
	diff := filetree.DiffTrees(filetree.FileTree{}, tree)
	if err := filetree.Apply(payload, espPath, tree, diff, nil); err != nil {
		return nil, err
	}

	if updateFirmware {
		if err := c.updateFirmwareBootEntry(srcRoot, destRoot, device, espPath); err != nil {
			return nil, err
		}
	}

	meta, err := c.GenerateUpdateMetadata(srcRoot)
	if err != nil {
		return nil, err
	}
	return &state.InstalledContent{Meta: *meta, FileTree: tree}, nil
}

func (c *Component) updateFirmwareBootEntry(srcRoot, destRoot, device, espPath string) error {
	if !efivarsWritable() {
		c.Log.Debugf("efivars not writable, skipping firmware boot entry update")
		return nil
	}
	productName, err := productName(srcRoot)
	if err != nil {
		return err
	}
	if err := clearEFITarget(c.Runner, productName); err != nil {
		return err
	}
	vendor, err := c.GetEFIVendor(srcRoot)
	if err != nil {
		return err
	}
	return createEFIBootEntry(c.Runner, device, espPath, vendor, productName)
}

// GenerateUpdateMetadata implements component.Component: it confirms a
// payload tree is present and re-writes whatever version metadata is
// already stored in EFI.json (an empty ContentMetadata when there is none).
// No RPM query is made here or by the orchestrator, so versions and
// build times are not derived from the payload's packages.
func (c *Component) GenerateUpdateMetadata(sysroot string) (*state.ContentMetadata, error) {
	payload, err := payloadDir(sysroot)
	if err != nil {
		return nil, err
	}
	if _, err := filetree.Build(payload); err != nil {
		return nil, err
	}
	meta, err := component.ReadUpdateMetadata(sysroot, constants.ComponentEFI)
	if err != nil {
		// No version metadata on disk yet (e.g. legacy layout without an
		// RPM-queried NEVRA); fall back to an empty version rather than
		// failing generation outright.
		meta = &state.ContentMetadata{}
	}
	if err := component.WriteUpdateMetadata(sysroot, constants.ComponentEFI, *meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// QueryUpdate implements component.Component.
func (c *Component) QueryUpdate(sysroot string) (*state.ContentMetadata, error) {
	return component.ReadUpdateMetadata(sysroot, constants.ComponentEFI)
}

// RunUpdate implements component.Component.
func (c *Component) RunUpdate(rc *component.RootContext, current state.InstalledContent) (*state.InstalledContent, error) {
	esps, err := blockdev.FindColocatedESPs(rc.Devices)
	if err != nil {
		return nil, err
	}
	meta, err := c.GenerateUpdateMetadata(rc.Sysroot)
	if err != nil {
		return nil, err
	}
	payload, err := payloadDir(rc.Sysroot)
	if err != nil {
		return nil, err
	}
	newTree, err := filetree.Build(payload)
	if err != nil {
		return nil, err
	}
	diff := filetree.DiffTrees(current.FileTree, newTree)

	oldVendor, _ := vendorFromTree(current.FileTree)
	newVendor, _ := vendorFromTree(newTree)

	for _, esp := range esps {
		mp, err := c.EnsureMountedESP(rc.Sysroot, esp.Path)
		if err != nil {
			return nil, err
		}
		err = freezethaw.WithFrozenFS(c.Sys, c.Log, mp, func() error {
			if err := filetree.Apply(payload, mp, newTree, diff, nil); err != nil {
				return err
			}
			if oldVendor != "" && newVendor != "" && oldVendor != newVendor {
				if err := installVendorGrubConfig(mp, newVendor); err != nil {
					return err
				}
				os.RemoveAll(filepath.Join(mp, "EFI", oldVendor))
			}
			return nil
		})
		if unmountErr := c.Unmount(); unmountErr != nil && err == nil {
			err = unmountErr
		}
		if err != nil {
			return nil, err
		}
	}
	return &state.InstalledContent{Meta: *meta, FileTree: newTree}, nil
}

// AdoptUpdate implements component.Component.
func (c *Component) AdoptUpdate(rc *component.RootContext, updateMeta state.ContentMetadata, withStaticConfig bool) (*state.InstalledContent, error) {
	esps, err := blockdev.FindColocatedESPs(rc.Devices)
	if err != nil {
		return nil, err
	}
	if len(esps) == 0 {
		return nil, nil
	}
	if skipSystemdBootloaders(c.Log) {
		return nil, nil
	}
	adoptable, err := component.QueryAdoptState(rc.Sysroot)
	if err != nil {
		return nil, err
	}
	if adoptable == nil {
		return nil, nil
	}

	payload, err := payloadDir(rc.Sysroot)
	if err != nil {
		return nil, err
	}
	newTree, err := filetree.Build(payload)
	if err != nil {
		return nil, err
	}

	var lastInstalled *state.InstalledContent
	for _, esp := range esps {
		mp, err := c.EnsureMountedESP(rc.Sysroot, esp.Path)
		if err != nil {
			return nil, err
		}
		diff, err := filetree.RelativeDiffTo(newTree, mp)
		if err != nil {
			c.Unmount()
			return nil, err
		}
		err = freezethaw.WithFrozenFS(c.Sys, c.Log, mp, func() error {
			if err := filetree.Apply(payload, mp, newTree, diff, nil); err != nil {
				return err
			}
			if withStaticConfig {
				return c.MigrateStaticGrubConfig(rc)
			}
			return nil
		})
		if unmountErr := c.Unmount(); unmountErr != nil && err == nil {
			err = unmountErr
		}
		if err != nil {
			return nil, err
		}
		lastInstalled = &state.InstalledContent{Meta: updateMeta, FileTree: newTree, AdoptedFrom: adoptable.Version.Version}
	}
	return lastInstalled, nil
}

// Validate implements component.Component.
func (c *Component) Validate(rc *component.RootContext, current state.InstalledContent) error {
	esps, err := blockdev.FindColocatedESPs(rc.Devices)
	if err != nil {
		return err
	}
	if len(esps) == 0 && !IsEFIBooted() {
		return component.ErrSkip
	}
	var failures []string
	for _, esp := range esps {
		mp, err := c.EnsureMountedESP(rc.Sysroot, esp.Path)
		if err != nil {
			return err
		}
		diff, err := filetree.RelativeDiffTo(current.FileTree, mp)
		c.Unmount()
		if err != nil {
			return err
		}
		if len(diff.Additions) > 0 {
			return errors.Errorf("invariant violated: relative diff produced additions on %s", esp.Path)
		}
		for _, p := range diff.Changes {
			failures = append(failures, "changed: "+p)
		}
		for _, p := range diff.Removals {
			failures = append(failures, "removed: "+p)
		}
	}
	if len(failures) > 0 {
		return errors.Errorf("validation failed: %s", strings.Join(failures, ", "))
	}
	return nil
}

// MigrateStaticGrubConfig implements component.Component.
func (c *Component) MigrateStaticGrubConfig(rc *component.RootContext) error {
	return grubstatic.Install(c.Runner, rc.Sysroot, grubstatic.Options{EFI: true, WriteUUID: true})
}

// GetEFIVendor implements component.Component.
func (c *Component) GetEFIVendor(sysroot string) (string, error) {
	shim, err := ShimName()
	if err != nil {
		return "", err
	}
	payload, err := payloadDir(sysroot)
	if err != nil {
		return "", err
	}
	var vendors []string
	entries, err := os.ReadDir(payload)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", payload)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(payload, ent.Name(), shim)); err == nil {
			vendors = append(vendors, ent.Name())
		}
	}
	if len(vendors) == 0 {
		return "", errors.Errorf("failed to find %s in the update payload", shim)
	}
	if len(vendors) > 1 {
		return "", errors.Errorf("found multiple vendor directories with %s", shim)
	}
	return vendors[0], nil
}

// QueryAdopt implements component.Component.
func (c *Component) QueryAdopt(rc *component.RootContext) (*state.Adoptable, error) {
	esps, err := blockdev.FindColocatedESPs(rc.Devices)
	if err != nil {
		return nil, err
	}
	if len(esps) == 0 {
		return nil, nil
	}
	if skipSystemdBootloaders(c.Log) {
		return nil, nil
	}
	return component.QueryAdoptState(rc.Sysroot)
}

func vendorFromTree(tree filetree.FileTree) (string, bool) {
	for path := range tree {
		if strings.HasPrefix(path, "EFI/") {
			rest := strings.TrimPrefix(path, "EFI/")
			if idx := strings.IndexByte(rest, '/'); idx > 0 {
				return rest[:idx], true
			}
		}
	}
	return "", false
}

func installVendorGrubConfig(espPath, vendor string) error {
	cfg, err := os.ReadFile(filepath.Join(constants.GrubStaticConfigDir, "grub-static-efi.cfg"))
	if err != nil {
		return errors.Wrap(err, "reading grub-static-efi.cfg")
	}
	dest := filepath.Join(espPath, "EFI", vendor, "grub.cfg")
	if err := os.MkdirAll(filepath.Dir(dest), constants.DirPerm); err != nil {
		return err
	}
	return os.WriteFile(dest, cfg, constants.FilePerm)
}

// productName reads /etc/system-release (stripping " release..." suffix)
// or falls back to the os-release NAME field.
func productName(sysroot string) (string, error) {
	releasePath := filepath.Join(sysroot, "etc", "system-release")
	if data, err := os.ReadFile(releasePath); err == nil {
		re := regexp.MustCompile(` *release.*`)
		name := strings.TrimSpace(re.ReplaceAllString(string(data), ""))
		return name, nil
	}
	osReleasePath := filepath.Join(sysroot, "etc", "os-release")
	data, err := os.ReadFile(osReleasePath)
	if err != nil {
		return "", errors.Wrap(err, "reading os-release")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if name, ok := strings.CutPrefix(line, "NAME="); ok {
			return strings.Trim(name, `"`), nil
		}
	}
	return "", errors.New("NAME not found in os-release")
}

// readEFIVariable reads one nul-terminated UTF-16LE EFI variable value via
// go-efilib, returning ("", false) when the variable doesn't exist or the
// host has no efivarfs (e.g. a BIOS-booted or containerized build host).
func readEFIVariable(name string) (string, bool) {
	data, _, err := efilib.ReadVariable(name, bootupdGUID)
	if err != nil || len(data) == 0 {
		return "", false
	}
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		u := uint16(data[i]) | uint16(data[i+1])<<8
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), true
}

// IsSystemdBootManaged reports whether the running system's firmware is
// already handed off to systemd-boot/stub, the condition under which the
// orchestrator should hand adoption off to the systemdboot proxy installer
// instead of this component's own static-GRUB adoption path.
func IsSystemdBootManaged(log sysiface.Logger) bool {
	return skipSystemdBootloaders(log)
}

func skipSystemdBootloaders(log sysiface.Logger) bool {
	if loaderInfo, ok := readEFIVariable(constants.LoaderInfoVarName); ok {
		if strings.HasPrefix(loaderInfo, "systemd") {
			log.Debugf("skipping adoption: LoaderInfo=%q", loaderInfo)
			return true
		}
	}
	if _, ok := readEFIVariable(constants.StubInfoVarName); ok {
		log.Debugf("skipping adoption: StubInfo variable present")
		return true
	}
	return false
}

func efivarsWritable() bool {
	info, err := os.Stat("/sys/firmware/efi/efivars")
	return err == nil && info.IsDir()
}

// IsEFIBooted reports whether the running system was booted via UEFI
// firmware, by checking that the /sys/firmware/efi directory exists. The
// BIOS component uses this to tell a legacy-BIOS box with no ESP apart from
// an EFI-booted one with no co-located BIOS-Boot partition.
func IsEFIBooted() bool {
	info, err := os.Stat("/sys/firmware/efi")
	return err == nil && info.IsDir()
}

type bootEntry struct {
	id   string
	name string
}

var bootLinePrefix = regexp.MustCompile(`^Boot(\d{4})\*?\s+(.*)$`)

func parseBootEntries(output string) []bootEntry {
	var entries []bootEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimPrefix(line, "Boot")
		if !strings.HasPrefix(line, "0") {
			continue
		}
		parts := line
		if idx := strings.IndexByte(line, '\t'); idx >= 0 {
			parts = line[:idx]
		}
		id, name, found := strings.Cut(parts, " ")
		if !found {
			continue
		}
		entries = append(entries, bootEntry{id: strings.TrimSuffix(id, "*"), name: strings.TrimSpace(name)})
	}
	return entries
}

// clearEFITarget and createEFIBootEntry shell to efibootmgr rather than
// writing Boot#### variables directly with go-efilib: efibootmgr resolves
// the target partition's GPT geometry for the device path itself, which a
// native EFI_LOAD_OPTION encoder would otherwise have to duplicate.
func clearEFITarget(runner sysiface.Runner, target string) error {
	out, err := runner.Run("efibootmgr")
	if err != nil {
		return errors.Wrap(err, "invoking efibootmgr")
	}
	target = strings.ToLower(target)
	for _, entry := range parseBootEntries(string(out)) {
		if strings.ToLower(entry.name) == target {
			if err := runner.RunStatus("efibootmgr", "-b", entry.id, "-B"); err != nil {
				return errors.Wrapf(err, "deleting boot entry %s", entry.id)
			}
		}
	}
	return nil
}

func createEFIBootEntry(runner sysiface.Runner, device, espPath, vendor, target string) error {
	info, err := filesystem.Inspect(runner, espPath, ".")
	if err != nil {
		return err
	}
	devName := filepath.Base(info.Source)
	partitionFile := "/sys/class/block/" + devName + "/partition"
	data, err := os.ReadFile(partitionFile)
	if err != nil {
		n, fallbackErr := blockdev.PartitionNumber(info.Source)
		if fallbackErr != nil {
			return errors.Wrapf(err, "reading %s", partitionFile)
		}
		data = []byte(strconv.Itoa(n))
	}
	partitionNumber := strings.TrimSpace(string(data))
	shim, err := ShimName()
	if err != nil {
		return err
	}
	loader := `\EFI\` + vendor + `\` + shim
	return runner.RunStatus("efibootmgr",
		"--create", "--disk", device, "--part", partitionNumber,
		"--loader", loader, "--label", target)
}
