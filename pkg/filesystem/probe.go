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

// Package filesystem wraps findmnt to answer "what block device, filesystem
// type, mount options and UUID back this path", scoped to the path's own
// mount namespace by running findmnt with its working directory set there.
package filesystem

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/sysiface"
)

// Info is one entry of findmnt's JSON output.
type Info struct {
	Source  string `json:"source"`
	FSType  string `json:"fstype"`
	Options string `json:"options"`
	UUID    string `json:"uuid"`
}

type findmntOutput struct {
	Filesystems []Info `json:"filesystems"`
}

// Inspect runs `findmnt -J -v --output=SOURCE,FSTYPE,OPTIONS,UUID <path>`
// with the working directory set to dir, so that bind-mounted or chrooted
// sysroots resolve against their own mount namespace, per SPEC_FULL.md §4.4.
func Inspect(runner sysiface.Runner, dir, path string) (*Info, error) {
	out, err := runner.RunWithDir(dir, "findmnt", "-J", "-v",
		"--output=SOURCE,FSTYPE,OPTIONS,UUID", path)
	if err != nil {
		return nil, errors.Wrapf(err, "running findmnt on %s", path)
	}
	var parsed findmntOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, errors.Wrapf(err, "parsing findmnt output for %s", path)
	}
	if len(parsed.Filesystems) == 0 {
		return nil, errors.Errorf("findmnt returned no data for %s", path)
	}
	return &parsed.Filesystems[0], nil
}
