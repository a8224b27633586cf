/*
Copyright 2019 The Ceph-CSI Authors.

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

// Package volume implements volume identity, addressing, and WWN/LUN
// arithmetic: the pure, hypervisor-independent pieces of the volume
// lifecycle engine.
package volume

import (
	"fmt"
	"strings"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"
)

// StorageVMID is the reserved VM ID that owns at-rest (unattached) disks.
const StorageVMID = util.StorageVMID

// ID is the tuple representation of a volume handle: (region, zone,
// storage, disk). It is the only internal form; the 4-part
// "region/zone/storage/disk" string is used solely at the RPC boundary.
type ID struct {
	Region  string
	Zone    string
	Storage string
	Disk    string
}

// FormatDiskName composes the hypervisor disk filename for a PVC, following
// the vm-<STORAGE_VMID>-<pvc-name> convention.
func FormatDiskName(pvcName string) string {
	return fmt.Sprintf("vm-%d-%s", StorageVMID, pvcName)
}

// CreateVolumeID composes the canonical 4-part external volume handle.
func CreateVolumeID(region, zone, storage, pvcName string) string {
	return strings.Join([]string{region, zone, storage, FormatDiskName(pvcName)}, "/")
}

// ParseVolumeID decodes the canonical 4-part volume handle. Any other shape
// is rejected.
func ParseVolumeID(s string) (ID, error) {
	parts := strings.Split(s, "/")
	const wantParts = 4
	if len(parts) != wantParts {
		return ID{}, fmt.Errorf("%w: %q: want region/zone/storage/disk", ErrInvalidVolumeID, s)
	}

	for _, p := range parts {
		if p == "" {
			return ID{}, fmt.Errorf("%w: %q: empty component", ErrInvalidVolumeID, s)
		}
	}

	return ID{
		Region:  parts[0],
		Zone:    parts[1],
		Storage: parts[2],
		Disk:    parts[3],
	}, nil
}

// String renders the canonical 4-part form.
func (id ID) String() string {
	return strings.Join([]string{id.Region, id.Zone, id.Storage, id.Disk}, "/")
}
