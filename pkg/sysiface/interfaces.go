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

// Package sysiface declares the collaborator interfaces injected into every
// other package instead of calling the operating system directly, so tests
// can substitute fakes.
package sysiface

import (
	"os"
	"time"
)

// Logger is the structured logging collaborator, implemented in pkg/logging
// on top of logrus.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Fs is the filesystem collaborator. The real implementation wraps
// github.com/twpayne/go-vfs/v4.
type Fs interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.DirEntry, error)
	Symlink(oldname, newname string) error
	Readlink(name string) (string, error)
	Open(name string) (*os.File, error)
	Create(name string) (*os.File, error)
}

// Mounter is the mount collaborator, implemented on top of
// k8s.io/mount-utils in production.
type Mounter interface {
	Mount(source string, target string, fstype string, options []string) error
	Unmount(target string) error
	IsLikelyNotMountPoint(file string) (bool, error)
	List() ([]MountPoint, error)
}

// MountPoint describes one active mount, as parsed from /proc/self/mountinfo
// or returned by k8s.io/mount-utils.
type MountPoint struct {
	Device string
	Path   string
	Type   string
	Opts   []string
}

// Runner is the external-process collaborator. Every external tool in
// SPEC_FULL.md §6 is invoked through this interface so tests can substitute
// a fake that asserts on argv and returns canned output.
type Runner interface {
	Run(name string, args ...string) ([]byte, error)
	RunWithDir(dir string, name string, args ...string) ([]byte, error)
	RunStatus(name string, args ...string) error
}

// Syscall is the thin collaborator over the freeze/thaw ioctls and syncfs,
// so pkg/freezethaw is fakeable in tests that never touch a real block
// device.
type Syscall interface {
	Syncfs(fd int) error
	IoctlFifreeze(fd int) error
	IoctlFithaw(fd int) error
}

// Clock is the wall-clock collaborator; NewOSClock returns the real one.
type Clock interface {
	Now() time.Time
}
