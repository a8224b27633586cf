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
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWWNForLUNIsBijective(t *testing.T) {
	t.Parallel()
	seen := make(map[string]int, MaxLUN)
	for lun := MinLUN; lun <= MaxLUN; lun++ {
		w := WWNForLUN(lun)
		assert.Len(t, w, 16)
		if other, ok := seen[w]; ok {
			t.Fatalf("WWN collision between lun %d and %d: %s", lun, other, w)
		}
		seen[w] = lun
	}
}

func TestWWNForLUNKnownValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "5043432d49443035", WWNForLUN(5))
}

func TestFindFreeLUNSmallestUnused(t *testing.T) {
	t.Parallel()
	disks := map[string]string{
		"scsi0": "local-lvm:vm-100-disk-0,wwn=0x1",
		"scsi1": "local-lvm:vm-9999-vol-a,wwn=0x2",
		"scsi2": "local-lvm:vm-9999-vol-b,wwn=0x3",
	}

	lun, ok := FindFreeLUN(disks)
	require.True(t, ok)
	assert.Equal(t, 3, lun)
}

func TestFindFreeLUNExhausted(t *testing.T) {
	t.Parallel()
	disks := make(map[string]string, MaxLUN)
	for n := MinLUN; n <= MaxLUN; n++ {
		disks["scsi"+strconv.Itoa(n)] = "local-lvm:vm-9999-x,wwn=0x0"
	}

	_, ok := FindFreeLUN(disks)
	assert.False(t, ok)
}

func TestIsDiskAttachedExactMatchNotSubstring(t *testing.T) {
	t.Parallel()
	disks := map[string]string{
		"scsi3": "local-lvm:vm-9999-my-pvc-extra,wwn=0x9",
	}

	_, ok := IsDiskAttached(disks, "vm-9999-my-pvc")
	assert.False(t, ok, "exact match required, substring must not match")

	disks["scsi4"] = "local-lvm:vm-9999-my-pvc,wwn=0xa"
	lun, ok := IsDiskAttached(disks, "vm-9999-my-pvc")
	require.True(t, ok)
	assert.Equal(t, 4, lun)
}
