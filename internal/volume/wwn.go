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

package volume

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MinLUN and MaxLUN bound the usable SCSI LUN range. LUN 0 is reserved for
// the boot disk convention, and a hypervisor VM supports at most 30 SCSI
// devices.
const (
	MinLUN = 1
	MaxLUN = 29
)

var scsiKeyRE = regexp.MustCompile(`^scsi(\d+)$`)

// WWNForLUN derives the World-Wide-Name for lun as the lowercase hex
// encoding of the ASCII string "PVC-ID"+pad2(lun). It is a pure function of
// lun: the device identity is derivable without a server round-trip once
// the LUN is known.
func WWNForLUN(lun int) string {
	return hex.EncodeToString([]byte(fmt.Sprintf("PVC-ID%02d", lun)))
}

// FindFreeLUN returns the smallest LUN in [MinLUN,MaxLUN] not already keyed
// in scsiDisks as "scsi<N>". ok is false when every LUN in range is in use.
func FindFreeLUN(scsiDisks map[string]string) (lun int, ok bool) {
	used := make(map[int]bool, len(scsiDisks))
	for key := range scsiDisks {
		m := scsiKeyRE.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		used[n] = true
	}

	for n := MinLUN; n <= MaxLUN; n++ {
		if !used[n] {
			return n, true
		}
	}

	return 0, false
}

// IsDiskAttached reports the LUN at which disk appears in scsiDisks, via an
// exact match on the disk component of each "<storage>:<disk>,<kv>..."
// descriptor, not a substring match.
func IsDiskAttached(scsiDisks map[string]string, disk string) (lun int, ok bool) {
	// Collect matching keys and take the smallest LUN for determinism when
	// more than one entry somehow references the same disk.
	var luns []int
	for key, desc := range scsiDisks {
		m := scsiKeyRE.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		if descDisk(desc) != disk {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		luns = append(luns, n)
	}
	if len(luns) == 0 {
		return 0, false
	}
	sort.Ints(luns)

	return luns[0], true
}

// DiskFromDescriptor extracts the <disk> component from a
// "<storage>:<disk>,k=v,..." attachment descriptor.
func DiskFromDescriptor(desc string) string {
	return descDisk(desc)
}

// descDisk extracts the <disk> component from a "<storage>:<disk>,k=v,..."
// attachment descriptor.
func descDisk(desc string) string {
	main := strings.SplitN(desc, ",", 2)[0]
	parts := strings.SplitN(main, ":", 2)
	if len(parts) != 2 {
		return ""
	}

	return parts[1]
}

// FormatAttachment renders the SCSI attachment descriptor written into a
// VM's config when a disk is attached at lun.
func FormatAttachment(storage, disk string, lun int) string {
	return fmt.Sprintf("%s:%s,wwn=0x%s,backup=0", storage, disk, WWNForLUN(lun))
}
