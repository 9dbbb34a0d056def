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

// Package freezethaw brackets a write to the ESP with syncfs and an
// FIFREEZE/FITHAW pair so a crash mid-update cannot leave a torn FAT
// filesystem, per SPEC_FULL.md §4.2/§8 P7. SIGTERM is masked for the
// duration so an external orchestrator's termination request cannot
// interrupt the critical section and leave the filesystem frozen.
package freezethaw

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/sysiface"
)

// Guard holds a filesystem frozen between Freeze and Thaw.
type Guard struct {
	sys    sysiface.Syscall
	log    sysiface.Logger
	fd     int
	path   string
	sigCh  chan os.Signal
	frozen bool
}

// WithFrozenFS runs fn with the filesystem containing path synced and
// frozen, masking SIGTERM for the duration. A freeze failure that indicates
// the filesystem doesn't support freezing (EOPNOTSUPP) or that the caller
// lacks privilege (EPERM) is logged and tolerated, and fn then runs on the
// unfrozen filesystem; any other freeze error is returned without running
// fn. A thaw failure is logged.
func WithFrozenFS(sys sysiface.Syscall, log sysiface.Logger, path string, fn func() error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s for freeze", path)
	}
	defer f.Close()
	fd := int(f.Fd())

	g := &Guard{sys: sys, log: log, fd: fd, path: path}
	g.maskSIGTERM()
	defer g.unmaskSIGTERM()

	if err := sys.Syncfs(fd); err != nil {
		log.Warnf("syncfs(%s) failed: %v", path, err)
	}

	if err := g.freeze(); err != nil {
		if !tolerable(err) {
			return err
		}
		log.Warnf("freezing %s not available, continuing without it: %v", path, err)
	} else {
		g.frozen = true
		defer g.thaw()
	}

	return fn()
}

func (g *Guard) freeze() error {
	if err := g.sys.IoctlFifreeze(g.fd); err != nil {
		if tolerable(err) {
			return err
		}
		return errors.Wrapf(err, "FIFREEZE on %s", g.path)
	}
	return nil
}

func (g *Guard) thaw() {
	if !g.frozen {
		return
	}
	if err := g.sys.IoctlFithaw(g.fd); err != nil {
		g.log.Errorf("FITHAW on %s failed, filesystem may remain frozen: %v", g.path, err)
	}
	g.frozen = false
}

func (g *Guard) maskSIGTERM() {
	g.sigCh = make(chan os.Signal, 1)
	signal.Notify(g.sigCh, syscall.SIGTERM)
}

func (g *Guard) unmaskSIGTERM() {
	signal.Stop(g.sigCh)
	close(g.sigCh)
}

func tolerable(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	return errno == syscall.EOPNOTSUPP || errno == syscall.EPERM
}
