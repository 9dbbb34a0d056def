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

// Package component declares the Component abstraction BIOS and EFI
// implement, the per-architecture static component table, and the
// adoption-state synthesizer shared by both, per SPEC_FULL.md §3/§4.7/§4.8.
package component

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/state"
)

// RootContext is the handle to a target sysroot built once per update cycle.
type RootContext struct {
	Sysroot string
	// Path is "/" on the client side; kept distinct from Sysroot so the
	// same RootContext can address a chrooted destination root.
	Path    string
	Devices []string
}

// Component is the polymorphic interface BIOS and EFI implement.
type Component interface {
	Name() string
	QueryAdopt(rc *RootContext) (*state.Adoptable, error)
	MigrateStaticGrubConfig(rc *RootContext) error
	AdoptUpdate(rc *RootContext, updateMeta state.ContentMetadata, withStaticConfig bool) (*state.InstalledContent, error)
	Install(srcRoot, destRoot, device string, updateFirmware bool) (*state.InstalledContent, error)
	GenerateUpdateMetadata(sysroot string) (*state.ContentMetadata, error)
	QueryUpdate(sysroot string) (*state.ContentMetadata, error)
	RunUpdate(rc *RootContext, current state.InstalledContent) (*state.InstalledContent, error)
	Validate(rc *RootContext, current state.InstalledContent) error
	GetEFIVendor(sysroot string) (string, error)
}

// ErrSkip signals that Validate has nothing applicable to check (e.g. BIOS,
// which has no filetree, or EFI with no ESP on a non-EFI-booted system).
var ErrSkip = errors.New("skip: not applicable on this system")

// StaticComponents returns the architecture-fixed component name set, per
// SPEC_FULL.md §3: x86_64 has both, aarch64/riscv64 EFI-only, ppc64 BIOS-only.
func StaticComponents() ([]string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return []string{constants.ComponentEFI, constants.ComponentBIOS}, nil
	case "arm64", "riscv64":
		return []string{constants.ComponentEFI}, nil
	case "ppc64", "ppc64le":
		return []string{constants.ComponentBIOS}, nil
	default:
		return nil, errors.Errorf("unsupported architecture %s", runtime.GOARCH)
	}
}

// coreosAlephVersion is the structural shape of .coreos-aleph-version.json:
// a nested aleph.version and a top-level ts, per SPEC_FULL.md §9/§4.8.
type coreosAlephVersion struct {
	Aleph struct {
		Version string `json:"version"`
	} `json:"aleph"`
	Timestamp time.Time `json:"ts"`
}

// QueryAdoptState synthesizes a prior, unmanaged installation's version so
// the first bootupd run has something to diff against instead of treating
// every file as new, per SPEC_FULL.md §4.8.
func QueryAdoptState(sysroot string) (*state.Adoptable, error) {
	alephPath := sysroot + "/" + constants.CoreosAlephVersionPath
	if data, err := os.ReadFile(alephPath); err == nil {
		var aleph coreosAlephVersion
		if err := json.Unmarshal(data, &aleph); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", alephPath)
		}
		version := aleph.Aleph.Version
		if version == "" {
			version = "unknown"
		}
		ts := aleph.Timestamp.UTC()
		if aleph.Timestamp.IsZero() {
			if info, statErr := os.Stat(alephPath); statErr == nil {
				ts = info.ModTime().UTC()
			} else {
				ts = time.Now().UTC()
			}
		}
		return &state.Adoptable{
			Confident: true,
			Version:   state.ContentMetadata{Timestamp: ts, Version: version},
		}, nil
	}

	deployDir := sysroot + "/" + constants.OstreeDeployDir
	info, err := os.Stat(deployDir)
	if err != nil {
		return nil, nil
	}
	// Prefer the directory's birth time; fall back to its mtime where the
	// filesystem does not report one.
	ts := info.ModTime().UTC()
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, deployDir, 0, unix.STATX_BTIME, &stx); err == nil && stx.Mask&unix.STATX_BTIME != 0 {
		ts = time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)).UTC()
	}
	return &state.Adoptable{
		Confident: true,
		Version:   state.ContentMetadata{Timestamp: ts, Version: "unknown"},
	}, nil
}

// updateMetadataPath is the fixed location a component's available-update
// metadata is written to and read from, per SPEC_FULL.md §6.
func updateMetadataPath(sysroot, name string) string {
	return filepath.Join(sysroot, constants.UpdatesDir, name+".json")
}

// WriteUpdateMetadata atomically writes a component's ContentMetadata to
// its fixed usr/lib/bootupd/updates/<Component>.json location.
func WriteUpdateMetadata(sysroot, name string, meta state.ContentMetadata) error {
	target := updateMetadataPath(sysroot, name)
	if err := os.MkdirAll(filepath.Dir(target), constants.DirPerm); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(target))
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling update metadata")
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, constants.FilePerm); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, target)
	}
	return nil
}

// ReadUpdateMetadata reads a component's available-update ContentMetadata.
func ReadUpdateMetadata(sysroot, name string) (*state.ContentMetadata, error) {
	data, err := os.ReadFile(updateMetadataPath(sysroot, name))
	if err != nil {
		return nil, errors.Wrapf(err, "reading update metadata for %s", name)
	}
	var meta state.ContentMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "parsing update metadata for %s", name)
	}
	return &meta, nil
}
