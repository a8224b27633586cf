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

package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func makeFakeSCSIDevice(t *testing.T, root, name, vendor, wwid string, blockName string) {
	t.Helper()
	devDir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(devDir, "block", blockName), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "vendor"), []byte(vendor+"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "wwid"), []byte(wwid+"\n"), 0o600))
}

func TestDiscoverByWWNFindsMatchingDevice(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	makeFakeSCSIDevice(t, root, "0:0:0:1", "QEMU", "naa.5043432d49443035", "sdx")
	makeFakeSCSIDevice(t, root, "0:0:0:2", "QEMU", "naa.5043432d49443036", "sdy")

	d := &Discoverer{SysfsSCSIDevices: root}
	dev, err := d.DiscoverByWWN(context.Background(), "5043432d49443035")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdx", dev)
}

func TestDiscoverByWWNSkipsNonQEMUVendor(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	makeFakeSCSIDevice(t, root, "0:0:0:1", "OTHERVEN", "naa.5043432d49443035", "sdx")

	d := &Discoverer{SysfsSCSIDevices: root}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := d.DiscoverByWWN(ctx, "5043432d49443035")
	require.Error(t, err)
}

func TestDiscoverByWWNFailsAtDeadlineWhenAbsent(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	d := &Discoverer{SysfsSCSIDevices: root}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := d.DiscoverByWWN(ctx, "deadbeef")
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestWWNFromDevicePath(t *testing.T) {
	t.Parallel()
	wwn, err := WWNFromDevicePath("/dev/disk/by-id/wwn-0x5043432d49443035")
	require.NoError(t, err)
	assert.Equal(t, "5043432d49443035", wwn)

	_, err = WWNFromDevicePath("/dev/sdx")
	assert.Error(t, err)
}
