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

package proxmoxdriver

import (
	"context"
	"errors"
	"testing"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/hypervisor"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/volume"

	"github.com/stretchr/testify/require"
)

const testStorage = "local-lvm"

func newTestCluster() *hypervisor.FakeClient {
	c := hypervisor.NewFakeClient()
	c.AddVM("node1", hypervisor.VM{VMID: volume.StorageVMID, Name: "storage-vm"})
	c.AddVM("node1", hypervisor.VM{VMID: 100, Name: "workload-a"})
	c.AddVM("node2", hypervisor.VM{VMID: 200, Name: "workload-b"})

	return c
}

func TestCreateIsIdempotentAtSameSize(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	id1, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)

	id2, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestCreateRejectsSizeMismatchOnExisting(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	_, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)

	_, err = Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 20<<30)
	require.Error(t, err)
	require.True(t, hypervisor.IsAlreadyExists(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	volID, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)
	id, err := volume.ParseVolumeID(volID)
	require.NoError(t, err)

	require.NoError(t, Delete(ctx, c, id))
	// A second delete of an already-gone disk must still succeed (404 ->
	// success).
	require.NoError(t, Delete(ctx, c, id))
}

func TestAttachIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	volID, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)
	id, err := volume.ParseVolumeID(volID)
	require.NoError(t, err)

	pc1, err := Attach(ctx, c, 100, id)
	require.NoError(t, err)

	updatesBefore := c.UpdateCalls
	pc2, err := Attach(ctx, c, 100, id)
	require.NoError(t, err)
	require.Equal(t, pc1, pc2)
	require.Equal(t, updatesBefore, c.UpdateCalls, "re-attaching an already-attached disk must not patch the config again")
}

func TestAttachRejectsSplitBrain(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	volID, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)
	id, err := volume.ParseVolumeID(volID)
	require.NoError(t, err)

	_, err = Attach(ctx, c, 100, id)
	require.NoError(t, err)

	updatesBefore := c.UpdateCalls
	_, err = Attach(ctx, c, 200, id)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSplitBrain))
	require.Equal(t, updatesBefore, c.UpdateCalls, "a rejected split-brain attach must not have patched any config")
}

func TestAttachAllocatesSmallestFreeLUN(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	volA, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-a", 10<<30)
	require.NoError(t, err)
	idA, err := volume.ParseVolumeID(volA)
	require.NoError(t, err)
	pcA, err := Attach(ctx, c, 100, idA)
	require.NoError(t, err)
	require.Equal(t, 1, pcA.LUN)

	volB, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-b", 10<<30)
	require.NoError(t, err)
	idB, err := volume.ParseVolumeID(volB)
	require.NoError(t, err)
	pcB, err := Attach(ctx, c, 100, idB)
	require.NoError(t, err)
	require.Equal(t, 2, pcB.LUN)
}

func TestDetachThenReattachGetsFreshLUN(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	volID, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)
	id, err := volume.ParseVolumeID(volID)
	require.NoError(t, err)

	_, err = Attach(ctx, c, 100, id)
	require.NoError(t, err)
	require.NoError(t, Detach(ctx, c, 100, id))

	holder, _, found, err := CheckExistingAttachments(ctx, c, id.Storage, id.Disk)
	require.NoError(t, err)
	require.False(t, found, "after detach, %d must not be reported as a holder", holder)

	pc, err := Attach(ctx, c, 200, id)
	require.NoError(t, err)
	require.Equal(t, 1, pc.LUN)
}

func TestExpandRequiresExistingAttachment(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	volID, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)
	id, err := volume.ParseVolumeID(volID)
	require.NoError(t, err)

	err = Expand(ctx, c, 100, id, 20<<30)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotAttached))
}

func TestExpandResizesAttachedDisk(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster()

	volID, err := Create(ctx, c, "region1", "node1", testStorage, "pvc-1", 10<<30)
	require.NoError(t, err)
	id, err := volume.ParseVolumeID(volID)
	require.NoError(t, err)

	_, err = Attach(ctx, c, 100, id)
	require.NoError(t, err)

	require.NoError(t, Expand(ctx, c, 100, id, 20<<30))
	require.Len(t, c.ResizeCalls, 1)
}
