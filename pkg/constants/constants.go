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

package constants

import "os/user"

// Layout of the persisted state and update-payload tree under a sysroot.
const (
	// StateRelPath is the persisted SavedState file, relative to the destination root's /boot.
	StateRelPath = "bootupd-state.json"
	// StateLockRelPath is the advisory lock file adjacent to the state file.
	StateLockRelPath = "bootupd-state.lock"

	UpdatesDir        = "usr/lib/bootupd/updates"
	UpdatesEFIDir     = UpdatesDir + "/EFI"
	LegacyEFIDir      = "usr/lib/ostree-boot/efi/EFI"
	StructuredEFIRoot = "usr/lib/efi"

	GrubStaticConfigDir  = "/usr/lib/bootupd/grub2-static"
	GrubStaticDropinDir  = "configs.d"
	Grub2Dir             = "grub2"
	SystemdBootConfigDir = "usr/lib/bootupd/systemd-boot"

	CoreosAlephVersionPath = "sysroot/.coreos-aleph-version.json"
	OstreeDeployDir        = "ostree/deploy"
)

// Well-known ESP mount points tried in order, relative to the root.
var ESPMounts = []string{"boot/efi", "efi", "boot"}

// GPT partition-type GUIDs (lower-cased for comparison).
const (
	GUIDESP      = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	GUIDBIOSBoot = "21686148-6449-6e6f-744e-656564454649"
	GUIDPReP     = "9e1a2d38-c612-4316-aa26-8b49521e5a8b"
	// MBRTypePReP is the MBR partition type byte accepted on ppc64 disks without a GPT.
	MBRTypePReP = 0x41
)

const (
	ComponentEFI  = "EFI"
	ComponentBIOS = "BIOS"
)

// EFI variable names (GUID-suffixed, as exposed by efivarfs / go-efilib).
const (
	LoaderInfoVarName = "LoaderInfo-4a67b082-0a4c-41cf-b6c7-440b29bb8c4f"
	StubInfoVarName   = "StubInfo-4a67b082-0a4c-41cf-b6c7-440b29bb8c4f"
)

const (
	GrubInstallBin = "usr/sbin/grub2-install"
)

// DirPerm and FilePerm are the default permissions used when the tool
// materializes directories/files that did not previously exist.
const (
	DirPerm  = 0o755
	FilePerm = 0o644
)

// CurrentUser returns the current user's name for diagnostic output.
func CurrentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
