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

// Package logging provides the logrus-backed Logger used across the engine,
// plus a litter-based pretty printer for verbose status/debug output.
package logging

import (
	"io"
	"os"

	"github.com/sanity-io/litter"
	"github.com/sirupsen/logrus"

	"github.com/coreos/bootupd/pkg/sysiface"
)

// Logrus adapts a *logrus.Logger to sysiface.Logger.
type Logrus struct {
	entry *logrus.Logger
}

var _ sysiface.Logger = (*Logrus)(nil)

// New returns a Logger writing to stderr at Info level, matching the
// teacher's default CLI logging posture.
func New() *Logrus {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &Logrus{entry: l}
}

// SetDebug raises the log level to Debug, used by the --debug CLI flag.
func (l *Logrus) SetDebug() { l.entry.SetLevel(logrus.DebugLevel) }

// SetOutput redirects the logger, used by tests to capture output.
func (l *Logrus) SetOutput(w io.Writer) { l.entry.SetOutput(w) }

func (l *Logrus) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logrus) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logrus) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logrus) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logrus) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *Logrus) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *Logrus) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *Logrus) Error(args ...interface{})                 { l.entry.Error(args...) }

// DumpDebug pretty-prints an arbitrary value (SavedState, Status, ...) to
// the logger at Debug level, the way the teacher uses litter for debug
// rendering of its own config structs.
func DumpDebug(l sysiface.Logger, label string, v interface{}) {
	l.Debugf("%s:\n%s", label, litter.Sdump(v))
}
