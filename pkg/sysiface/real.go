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

package sysiface

import (
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/twpayne/go-vfs/v4"
	"golang.org/x/sys/unix"
	mountutils "k8s.io/mount-utils"
)

// VFSFs adapts github.com/twpayne/go-vfs/v4 to the Fs collaborator.
type VFSFs struct {
	FS vfs.FS
}

// NewOSFs returns the real, host-backed Fs.
func NewOSFs() Fs { return VFSFs{FS: vfs.HostOSFS} }

func (f VFSFs) ReadFile(name string) ([]byte, error) { return f.FS.ReadFile(name) }
func (f VFSFs) WriteFile(name string, data []byte, perm os.FileMode) error {
	return f.FS.WriteFile(name, data, perm)
}
func (f VFSFs) Remove(name string) error           { return f.FS.Remove(name) }
func (f VFSFs) RemoveAll(path string) error         { return f.FS.RemoveAll(path) }
func (f VFSFs) Rename(oldpath, newpath string) error { return f.FS.Rename(oldpath, newpath) }
func (f VFSFs) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f VFSFs) Stat(name string) (os.FileInfo, error)  { return f.FS.Stat(name) }
func (f VFSFs) Lstat(name string) (os.FileInfo, error) { return f.FS.Lstat(name) }
func (f VFSFs) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}
func (f VFSFs) Symlink(oldname, newname string) error { return f.FS.Symlink(oldname, newname) }
func (f VFSFs) Readlink(name string) (string, error)  { return f.FS.Readlink(name) }
func (f VFSFs) Open(name string) (*os.File, error)     { return f.FS.Open(name) }
func (f VFSFs) Create(name string) (*os.File, error)   { return f.FS.Create(name) }

// K8sMounter adapts k8s.io/mount-utils to the Mounter collaborator.
type K8sMounter struct {
	inner mountutils.Interface
}

// NewOSMounter returns the real, host-backed Mounter.
func NewOSMounter() Mounter {
	return &K8sMounter{inner: mountutils.New("")}
}

func (m *K8sMounter) Mount(source, target, fstype string, options []string) error {
	return m.inner.Mount(source, target, fstype, options)
}

func (m *K8sMounter) Unmount(target string) error {
	return mountutils.CleanupMountPoint(target, m.inner, false)
}

func (m *K8sMounter) IsLikelyNotMountPoint(file string) (bool, error) {
	return m.inner.IsLikelyNotMountPoint(file)
}

func (m *K8sMounter) List() ([]MountPoint, error) {
	points, err := m.inner.List()
	if err != nil {
		return nil, errors.Wrap(err, "listing mounts")
	}
	out := make([]MountPoint, 0, len(points))
	for _, p := range points {
		out = append(out, MountPoint{Device: p.Device, Path: p.Path, Type: p.Type, Opts: p.Opts})
	}
	return out, nil
}

// ExecRunner is the Runner collaborator backed by os/exec.
type ExecRunner struct{}

// NewOSRunner returns the real, host-backed Runner.
func NewOSRunner() Runner { return ExecRunner{} }

func (ExecRunner) Run(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.Output()
	if err != nil {
		return out, commandError(cmd, err)
	}
	return out, nil
}

func (ExecRunner) RunWithDir(dir, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return out, commandError(cmd, err)
	}
	return out, nil
}

func (ExecRunner) RunStatus(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Run(); err != nil {
		return commandError(cmd, err)
	}
	return nil
}

func commandError(cmd *exec.Cmd, err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return errors.Wrapf(err, "%s exited: %s", cmd.String(), string(exitErr.Stderr))
	}
	return errors.Wrapf(err, "running %s", cmd.String())
}

// UnixSyscall is the Syscall collaborator backed by golang.org/x/sys/unix.
type UnixSyscall struct{}

// NewOSSyscall returns the real, host-backed Syscall.
func NewOSSyscall() Syscall { return UnixSyscall{} }

func (UnixSyscall) Syncfs(fd int) error { return unix.Syncfs(fd) }

func (UnixSyscall) IoctlFifreeze(fd int) error {
	return unix.IoctlSetInt(fd, unix.FIFREEZE, 0)
}

func (UnixSyscall) IoctlFithaw(fd int) error {
	return unix.IoctlSetInt(fd, unix.FITHAW, 0)
}

// RealClock is the Clock collaborator backed by time.Now.
type RealClock struct{}

// NewOSClock returns the real, wall-clock Clock.
func NewOSClock() Clock { return RealClock{} }

func (RealClock) Now() time.Time { return time.Now() }
