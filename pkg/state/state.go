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

// Package state is the persisted SavedState: a single kebab-case JSON file
// under the destination root's /boot, mutated only under an exclusive
// advisory lock, that makes a component update crash-consistent per
// SPEC_FULL.md §4.3/§8 P6.
package state

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/filetree"
	"github.com/coreos/bootupd/pkg/nevra"
	"github.com/coreos/bootupd/pkg/sysiface"
)

// ContentMetadata describes one version of a component's payload.
type ContentMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Versions  []nevra.Module `json:"versions,omitempty"`
}

// InstalledContent is what a Component reports as currently installed.
type InstalledContent struct {
	Meta        ContentMetadata   `json:"meta"`
	FileTree    filetree.FileTree `json:"filetree,omitempty"`
	AdoptedFrom string            `json:"adopted-from,omitempty"`
}

// Adoptable is a synthesized (never persisted) prior-version guess produced
// by a component's adoption probe.
type Adoptable struct {
	Version   ContentMetadata
	Confident bool
}

// SavedState is the full persisted document at bootupd-state.json.
type SavedState struct {
	Installed     map[string]InstalledContent `json:"installed"`
	Pending       map[string]ContentMetadata  `json:"pending,omitempty"`
	StaticConfigs *ContentMetadata            `json:"static-configs,omitempty"`
}

// New returns an empty SavedState, as written by a fresh install.
func New() *SavedState {
	return &SavedState{Installed: map[string]InstalledContent{}}
}

func statePath(bootDir string) string { return filepath.Join(bootDir, constants.StateRelPath) }
func lockPath(bootDir string) string  { return filepath.Join(bootDir, constants.StateLockRelPath) }

// Lock is a held advisory write-lock on the state file, correlated in logs
// by a random id the way the original tool tags concurrent daemon
// invocations.
type Lock struct {
	flock *flock.Flock
	id    string
}

// AcquireWriteLock takes an exclusive advisory lock on the lock file
// adjacent to the state file, blocking until it is free.
func AcquireWriteLock(log sysiface.Logger, bootDir string) (*Lock, error) {
	id := uuid.NewString()
	fl := flock.New(lockPath(bootDir))
	log.Debugf("acquiring state write-lock %s (correlation %s)", fl.Path(), id)
	if err := fl.Lock(); err != nil {
		return nil, errors.Wrapf(err, "acquiring write lock %s", fl.Path())
	}
	return &Lock{flock: fl, id: id}, nil
}

// Release drops the write-lock.
func (l *Lock) Release() error {
	return l.flock.Unlock()
}

// Load reads and decodes the SavedState, rejecting unknown fields so a
// state file written by a newer version is never silently misread.
func Load(bootDir string) (*SavedState, error) {
	data, err := os.ReadFile(statePath(bootDir))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", statePath(bootDir))
	}
	var s SavedState
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", statePath(bootDir))
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Exists reports whether a state file is already present, used by install
// to refuse to run a second time.
func Exists(bootDir string) bool {
	_, err := os.Stat(statePath(bootDir))
	return err == nil
}

func (s *SavedState) validate() error {
	for name := range s.Pending {
		if _, ok := s.Installed[name]; !ok {
			return errors.Errorf("pending entry %q has no corresponding installed entry", name)
		}
	}
	return nil
}

// Save atomically replaces the state file (write to a temp file, fsync,
// rename), per the fixed kebab-case on-disk format.
func (s *SavedState) Save(bootDir string) error {
	if err := s.validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling state")
	}
	target := statePath(bootDir)
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, constants.FilePerm)
	if err != nil {
		return errors.Wrapf(err, "opening %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "fsyncing %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, target)
	}
	return nil
}

// BeginUpdate records step 3 of the update sequence: pending[name] = meta,
// then persists.
func (s *SavedState) BeginUpdate(bootDir, name string, meta ContentMetadata) error {
	if s.Pending == nil {
		s.Pending = map[string]ContentMetadata{}
	}
	s.Pending[name] = meta
	return s.Save(bootDir)
}

// CompleteUpdate records step 5: installed[name] = content, clear
// pending[name], then persists.
func (s *SavedState) CompleteUpdate(bootDir, name string, content InstalledContent) error {
	s.Installed[name] = content
	delete(s.Pending, name)
	return s.Save(bootDir)
}

// InterruptedUpdate reports the pending entry for name, if any — surfaced by
// status as "previous update interrupted".
func (s *SavedState) InterruptedUpdate(name string) (ContentMetadata, bool) {
	if s.Pending == nil {
		return ContentMetadata{}, false
	}
	m, ok := s.Pending[name]
	return m, ok
}
