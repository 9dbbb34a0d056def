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

package bootupd

import (
	"strings"

	"github.com/jaypipes/ghw"
)

// DiskInfo is a read-only, best-effort hardware descriptor surfaced
// alongside a component's status; it is never consulted for correctness
// decisions, only for operator-facing context.
type DiskInfo struct {
	Name   string
	Model  string
	Vendor string
	Bytes  uint64
}

// describeDisk looks up ghw's whole-disk inventory for the device backing
// devicePath (e.g. "/dev/sda"); a lookup failure is swallowed since this
// data is supplementary only.
func describeDisk(devicePath string) *DiskInfo {
	block, err := ghw.Block()
	if err != nil {
		return nil
	}
	name := strings.TrimPrefix(devicePath, "/dev/")
	for _, disk := range block.Disks {
		if disk.Name != name {
			continue
		}
		return &DiskInfo{
			Name:   disk.Name,
			Model:  disk.Model,
			Vendor: disk.Vendor,
			Bytes:  disk.SizeBytes,
		}
	}
	return nil
}
