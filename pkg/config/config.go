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

// Package config lets a test or development environment override the
// architecture-fixed component table (pkg/component.StaticComponents)
// without touching the production table compiled into the binary.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ComponentOverride is the parsed shape of components.yaml.
type ComponentOverride struct {
	Architectures map[string][]string `yaml:"architectures"`
}

// LoadComponentOverride reads and parses a components.yaml file. A missing
// file is not an error: callers fall back to the compiled-in table.
func LoadComponentOverride(path string) (*ComponentOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var out ComponentOverride
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return &out, nil
}

// ComponentsFor returns the override's component set for arch, if one
// exists.
func (c *ComponentOverride) ComponentsFor(arch string) ([]string, bool) {
	if c == nil {
		return nil, false
	}
	set, ok := c.Architectures[arch]
	return set, ok
}
