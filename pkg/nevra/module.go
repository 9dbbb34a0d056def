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

// Package nevra is the package-version oracle: it parses NEVRA (or
// name-only-EVR) strings into Modules and orders them by the UAPI version
// specification, with the asymmetric "any improvement wins" rule used to
// decide component upgrade/downgrade.
package nevra

import (
	"runtime"
	"sort"
	"strings"
)

// Module is a single parsed package identity: its name and its
// epoch:version-release string (the "EVR").
type Module struct {
	Name   string `json:"name"`
	RpmEVR string `json:"rpm-evr"`
}

// Ordering mirrors Rust's std::cmp::Ordering so call sites read the same way
// the original did.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

// collapsiblePrefixes are vendor name prefixes whose NEVRA name is truncated
// at the first '-' so the image-side "grub2-efi-x64" form compares equal to
// the persisted "grub2" form.
var collapsiblePrefixes = []string{"grub2", "shim"}

// arch is the host architecture suffix NEVRA tokens are checked against.
// runtime.GOARCH values don't match rpm's %_arch names for all platforms, so
// this is the one deliberate narrowing: only the platforms this project
// targets (§2/§4 architecture table) need a correct mapping.
func arch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "riscv64":
		return "riscv64"
	case "ppc64":
		return "ppc64"
	case "ppc64le":
		return "ppc64le"
	default:
		return runtime.GOARCH
	}
}

// parseEVR parses one comma-split token into a Module, per SPEC_FULL.md §4.1.
func parseEVR(pkg string) Module {
	a := arch()
	if !strings.HasSuffix(pkg, a) {
		name, evr, found := strings.Cut(pkg, "-")
		if !found {
			return Module{Name: pkg, RpmEVR: ""}
		}
		return Module{Name: name, RpmEVR: evr}
	}

	name, evr := parseNEVRA(pkg, a)
	for _, prefix := range collapsiblePrefixes {
		if strings.HasPrefix(name, prefix) {
			if truncated, _, found := strings.Cut(name, "-"); found {
				name = truncated
			}
			break
		}
	}
	return Module{Name: name, RpmEVR: evr}
}

// parseNEVRA splits "name-epoch:version-release.arch" into (name, evr).
// NEVRA strings are rpm's own format: name, then '-', version, '-', release,
// then '.', arch; an epoch is only present embedded in the release/version
// as "epoch:version" per rpm convention once disambiguated from the name.
func parseNEVRA(pkg, archSuffix string) (name, evr string) {
	trimmed := strings.TrimSuffix(pkg, "."+archSuffix)
	idx := strings.LastIndex(trimmed, "-")
	if idx < 0 {
		return trimmed, ""
	}
	release := trimmed[idx+1:]
	rest := trimmed[:idx]
	idx2 := strings.LastIndex(rest, "-")
	if idx2 < 0 {
		return rest, release
	}
	version := rest[idx2+1:]
	name = rest[:idx2]
	evr = version + "-" + release
	return name, evr
}

// parseEVRVec parses a comma-joined token list, then sorts and dedups by the
// Module ordering, per SPEC_FULL.md §4.1.
func parseEVRVec(input string) []Module {
	tokens := strings.Split(input, ",")
	mods := make([]Module, 0, len(tokens))
	for _, t := range tokens {
		mods = append(mods, parseEVR(t))
	}
	sort.SliceStable(mods, func(i, j int) bool {
		return compareModules(mods[i], mods[j]) < 0
	})
	return dedupModules(mods)
}

func dedupModules(mods []Module) []Module {
	out := mods[:0:0]
	for i, m := range mods {
		if i > 0 && m == mods[i-1] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// compareModules orders by (name, UAPI-version(rpm_evr)).
func compareModules(a, b Module) int {
	if a.Name != b.Name {
		if a.Name < b.Name {
			return -1
		}
		return 1
	}
	return CompareEVR(a.RpmEVR, b.RpmEVR)
}

// CompareSlices implements compare_package_slices: lexicographic element-wise
// comparison of two already-sorted Module slices, with the asymmetric
// "any Less wins" rule from SPEC_FULL.md §4.1.
func CompareSlices(a, b []Module) Ordering {
	hasGreater := false
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch c := compareModules(a[i], b[i]); {
		case c < 0:
			return Less
		case c > 0:
			hasGreater = true
		}
	}
	if len(a) < len(b) {
		return Less
	}
	if len(a) > len(b) {
		return Greater
	}
	if hasGreater {
		return Greater
	}
	return Equal
}

// CompareVersions implements compare_package_versions: parses two
// comma-joined NEVRA strings into sorted/deduped Module slices and compares
// them with CompareSlices. Less means "a can upgrade to b".
func CompareVersions(a, b string) Ordering {
	if a == b {
		return Equal
	}
	return CompareSlices(parseEVRVec(a), parseEVRVec(b))
}

// Parse exposes the single-token parser for callers that need one Module
// rather than a comma-joined list.
func Parse(token string) Module { return parseEVR(token) }

// ParseList exposes the sorted/deduped-list parser for a comma-joined
// version string.
func ParseList(input string) []Module { return parseEVRVec(input) }
