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

// Package grubstatic installs the static GRUB config tree (replacing the
// OS image's managed grub.cfg) and migrates an existing symlinked config
// to it, per SPEC_FULL.md §4.9.
package grubstatic

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/bootupd/pkg/constants"
	"github.com/coreos/bootupd/pkg/filesystem"
	"github.com/coreos/bootupd/pkg/freezethaw"
	"github.com/coreos/bootupd/pkg/sysiface"
)

// shimName is the shim binary filename FindEFIVendorDir looks for. Only the
// x86_64 name is searched; shims of other architectures are not matched.
const shimName = "shimx64.efi"

// FindEFIVendorDir locates the single vendor directory name shared by the
// update payload's shim and an ESP's existing EFI tree: it requires exactly
// one shim in the payload, a byte-identical shim under the ESP whose parent
// directory matches the payload's vendor name, and fails loudly on any
// ambiguity.
func FindEFIVendorDir(sysroot, espEFIDir string) (string, error) {
	payloadDir := filepath.Join(sysroot, constants.UpdatesEFIDir)
	payloadShims, err := findFileRecursive(payloadDir, shimName)
	if err != nil {
		return "", err
	}
	if len(payloadShims) > 1 {
		return "", errors.Errorf("found multiple %s in the update payload", shimName)
	}
	if len(payloadShims) == 0 {
		return "", errors.Errorf("failed to find %s in the update payload", shimName)
	}
	vendor := filepath.Base(filepath.Dir(payloadShims[0]))
	vendorShimSuffix := filepath.Join(vendor, shimName)

	espShims, err := findFileRecursive(espEFIDir, shimName)
	if err != nil {
		return "", err
	}
	if len(espShims) == 0 {
		return "", errors.Errorf("failed to find %s under the ESP EFI dir", shimName)
	}
	for _, candidate := range espShims {
		if !sameContent(payloadShims[0], candidate) {
			continue
		}
		if !strings.HasSuffix(candidate, vendorShimSuffix) {
			return "", errors.Errorf("matched %s content at an unexpected path: %s", shimName, candidate)
		}
		return vendor, nil
	}
	return "", errors.Errorf("failed to find an EFI vendor dir matching the update payload")
}

func findFileRecursive(dir, name string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && d.Name() == name {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

func sameContent(a, b string) bool {
	da, err := os.ReadFile(a)
	if err != nil {
		return false
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

// Options controls which parts of static-config installation run.
type Options struct {
	EFI       bool
	WriteUUID bool
}

// Install assembles grub-static-pre.cfg + sorted configs.d/*.cfg (each
// contributing a `source $prefix/<name>` line into the concatenated
// config, and its own file copied into place) + grub-static-post.cfg into
// <destRoot>/boot/grub2/grub.cfg, optionally writes bootuuid.cfg, and
// mirrors the EFI vendor's grub.cfg onto the ESP when Options.EFI is set.
func Install(runner sysiface.Runner, destRoot string, opts Options) error {
	grub2Dir := filepath.Join(destRoot, "boot", constants.Grub2Dir)
	if err := os.MkdirAll(grub2Dir, 0o700); err != nil {
		return errors.Wrapf(err, "creating %s", grub2Dir)
	}

	pre, err := os.ReadFile(filepath.Join(constants.GrubStaticConfigDir, "grub-static-pre.cfg"))
	if err != nil {
		return errors.Wrap(err, "reading grub-static-pre.cfg")
	}
	var config bytes.Buffer
	config.Write(pre)

	dropinDir := filepath.Join(constants.GrubStaticConfigDir, constants.GrubStaticDropinDir)
	entries, err := os.ReadDir(dropinDir)
	if err != nil {
		return errors.Wrapf(err, "reading %s", dropinDir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, ".cfg") {
			continue
		}
		config.WriteString("source $prefix/" + name + "\n")
		data, err := os.ReadFile(filepath.Join(dropinDir, name))
		if err != nil {
			return errors.Wrapf(err, "reading dropin %s", name)
		}
		if err := os.WriteFile(filepath.Join(grub2Dir, name), data, 0o644); err != nil {
			return errors.Wrapf(err, "installing dropin %s", name)
		}
	}

	post, err := os.ReadFile(filepath.Join(constants.GrubStaticConfigDir, "grub-static-post.cfg"))
	if err != nil {
		return errors.Wrap(err, "reading grub-static-post.cfg")
	}
	config.Write(post)

	if err := os.WriteFile(filepath.Join(grub2Dir, "grub.cfg"), config.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "writing grub.cfg")
	}

	var uuidRelPath string
	if opts.WriteUUID {
		info, err := filesystem.Inspect(runner, destRoot, "boot")
		if err != nil {
			return errors.Wrap(err, "inspecting /boot for UUID")
		}
		if info.UUID == "" {
			return errors.New("failed to find UUID for /boot")
		}
		uuidRelPath = filepath.Join(constants.Grub2Dir, "bootuuid.cfg")
		contents := "set BOOT_UUID=\"" + info.UUID + "\"\n"
		if err := os.WriteFile(filepath.Join(destRoot, "boot", uuidRelPath), []byte(contents), 0o644); err != nil {
			return errors.Wrap(err, "writing bootuuid.cfg")
		}
	}

	if opts.EFI {
		espEFIDir := filepath.Join(destRoot, "boot", "efi", "EFI")
		if _, err := os.Stat(espEFIDir); err == nil {
			vendor, err := FindEFIVendorDir(destRoot, espEFIDir)
			if err != nil {
				return err
			}
			vendorDir := filepath.Join(espEFIDir, vendor)
			efiConfig, err := os.ReadFile(filepath.Join(constants.GrubStaticConfigDir, "grub-static-efi.cfg"))
			if err != nil {
				return errors.Wrap(err, "reading grub-static-efi.cfg")
			}
			if err := os.WriteFile(filepath.Join(vendorDir, "grub.cfg"), efiConfig, 0o644); err != nil {
				return errors.Wrap(err, "writing ESP grub.cfg")
			}
			if uuidRelPath != "" {
				data, err := os.ReadFile(filepath.Join(destRoot, "boot", uuidRelPath))
				if err != nil {
					return errors.Wrap(err, "reading bootuuid.cfg")
				}
				if err := os.WriteFile(filepath.Join(vendorDir, "bootuuid.cfg"), data, 0o644); err != nil {
					return errors.Wrap(err, "writing ESP bootuuid.cfg")
				}
			}
		}
	}
	return nil
}

const ostreeFencedBeginMarker = "### BEGIN /etc/grub.d/15_ostree ###"
const ostreeFencedEndMarker = "### END /etc/grub.d/15_ostree ###"

// StripOstreeFencedBlock removes the inclusive `### BEGIN ... ### … ### END
// ... ###` block an OS-image-managed grub.cfg embeds, per SPEC_FULL.md §4.9
// step 4.
func StripOstreeFencedBlock(content string) string {
	beginIdx := strings.Index(content, ostreeFencedBeginMarker)
	if beginIdx < 0 {
		return content
	}
	endMarkerIdx := strings.Index(content[beginIdx:], ostreeFencedEndMarker)
	if endMarkerIdx < 0 {
		return content
	}
	endIdx := beginIdx + endMarkerIdx + len(ostreeFencedEndMarker)
	// Consume a single trailing newline after the end fence, if present.
	if endIdx < len(content) && content[endIdx] == '\n' {
		endIdx++
	}
	return content[:beginIdx] + content[endIdx:]
}

// MigrateStaticConfig performs the one-shot conversion from a symlinked,
// OS-image-managed /boot/grub2/grub.cfg to a static file tree, per
// SPEC_FULL.md §4.9: remount /boot rw, drop a marker file, back up and
// rewrite grub.cfg with the ostree fenced block stripped, freeze/thaw, and
// finally flip sysroot.bootloader to "none" so this never runs twice.
func MigrateStaticConfig(runner sysiface.Runner, sys sysiface.Syscall, log sysiface.Logger, sysroot string, getBootloader func(sysiface.Runner, string) (string, error), setBootloader func(sysiface.Runner, string, string) error) error {
	current, err := getBootloader(runner, sysroot)
	if err != nil {
		return err
	}
	if strings.TrimSpace(current) == "none" {
		log.Debugf("sysroot.bootloader already none, nothing to migrate")
		return nil
	}

	bootDir := filepath.Join(sysroot, "boot")
	if err := runner.RunStatus("mount", "-o", "remount,rw", bootDir); err != nil {
		return errors.Wrap(err, "remounting /boot rw")
	}

	grub2Dir := filepath.Join(bootDir, constants.Grub2Dir)
	marker := filepath.Join(grub2Dir, ".grub2-blscfg-supported")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return errors.Wrap(err, "writing blscfg marker")
	}

	cfgPath := filepath.Join(grub2Dir, "grub.cfg")
	info, err := os.Lstat(cfgPath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", cfgPath)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(cfgPath)
		if err != nil {
			return errors.Wrap(err, "reading grub.cfg symlink target")
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(grub2Dir, target)
		}
		data, err := os.ReadFile(target)
		if err != nil {
			return errors.Wrapf(err, "reading %s", target)
		}
		if err := os.WriteFile(cfgPath+".backup", data, 0o644); err != nil {
			return errors.Wrap(err, "writing grub.cfg.backup")
		}
		stripped := StripOstreeFencedBlock(string(data))
		tmp := cfgPath + ".bootupd-tmp"
		if err := os.WriteFile(tmp, []byte(stripped), 0o644); err != nil {
			return errors.Wrap(err, "writing stripped grub.cfg")
		}
		if err := freezethaw.WithFrozenFS(sys, log, bootDir, func() error {
			return os.Rename(tmp, cfgPath)
		}); err != nil {
			return err
		}
	}

	return setBootloader(runner, sysroot, "none")
}
