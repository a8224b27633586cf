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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateParseRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		region, zone, storage, pvc string
	}{
		{"us-east", "pve1", "local-lvm", "my-pvc"},
		{"lab", "node-a", "ceph-pool", "pvc-with-dashes-123"},
	}

	for _, c := range cases {
		volID := CreateVolumeID(c.region, c.zone, c.storage, c.pvc)
		parsed, err := ParseVolumeID(volID)
		require.NoError(t, err)
		assert.Equal(t, c.region, parsed.Region)
		assert.Equal(t, c.zone, parsed.Zone)
		assert.Equal(t, c.storage, parsed.Storage)
		assert.Equal(t, FormatDiskName(c.pvc), parsed.Disk)
	}
}

func TestParseVolumeIDRejectsWrongShape(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{
		"",
		"only-two/parts",
		"region/zone/storage/disk/extra",
		"region//storage/disk",
	} {
		_, err := ParseVolumeID(bad)
		assert.ErrorIs(t, err, ErrInvalidVolumeID, "input: %q", bad)
	}
}

func TestFormatDiskName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "vm-9999-my-pvc", FormatDiskName("my-pvc"))
}
