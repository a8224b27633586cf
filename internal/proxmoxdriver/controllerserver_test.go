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
	"testing"

	csicommon "github.com/adi/proxmox-shared-lvm-csi-plugin/internal/csi-common"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/hypervisor"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestControllerServer(t *testing.T, client *hypervisor.FakeClient) *ControllerServer {
	t.Helper()

	d := csicommon.NewCSIDriver(util.DriverName, "0.1.0", "test-node")
	require.NotNil(t, d)

	clusterConf := &util.ClusterConfig{
		Clusters: []util.ClusterEntry{{Region: "region1"}},
	}
	clients := NewClientSet(clusterConf, func(util.ClusterEntry) hypervisor.Client {
		return client
	})

	return NewControllerServer(d, clients, clusterConf)
}

func TestCreateVolumeEndToEnd(t *testing.T) {
	c := newTestCluster()
	cs := newTestControllerServer(t, c)

	resp, err := cs.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:       "pvc-e2e",
		Parameters: map[string]string{"storage": testStorage},
		CapacityRange: &csi.CapacityRange{
			RequiredBytes: 5 << 30,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.GetVolume().GetVolumeId())
	require.Equal(t, int64(5<<30), resp.GetVolume().GetCapacityBytes())
}

func TestCreateVolumeRequiresStorageParameter(t *testing.T) {
	c := newTestCluster()
	cs := newTestControllerServer(t, c)

	_, err := cs.CreateVolume(context.Background(), &csi.CreateVolumeRequest{Name: "pvc-e2e"})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateVolumeFloorsSmallCapacityRequest(t *testing.T) {
	require.Equal(t, int64(minVolumeSize), requestedSize(&csi.CapacityRange{RequiredBytes: 1024}))
	require.Equal(t, int64(defaultVolumeSize), requestedSize(nil))
	require.Equal(t, int64(7<<30), requestedSize(&csi.CapacityRange{RequiredBytes: 7 << 30}))
}

func TestControllerPublishThenUnpublishEndToEnd(t *testing.T) {
	c := newTestCluster()
	cs := newTestControllerServer(t, c)
	ctx := context.Background()

	createResp, err := cs.CreateVolume(ctx, &csi.CreateVolumeRequest{
		Name:       "pvc-e2e",
		Parameters: map[string]string{"storage": testStorage},
	})
	require.NoError(t, err)
	volID := createResp.GetVolume().GetVolumeId()

	pubResp, err := cs.ControllerPublishVolume(ctx, &csi.ControllerPublishVolumeRequest{
		VolumeId: volID,
		NodeId:   "workload-a",
	})
	require.NoError(t, err)
	require.Equal(t, "1", pubResp.GetPublishContext()["lun"])
	require.Contains(t, pubResp.GetPublishContext()["DevicePath"], "/dev/disk/by-id/wwn-0x")

	_, err = cs.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
		VolumeId: volID,
		NodeId:   "workload-a",
	})
	require.NoError(t, err)

	_, err = cs.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volID})
	require.NoError(t, err)
}

func TestControllerExpandVolumeRequiresAttachment(t *testing.T) {
	c := newTestCluster()
	cs := newTestControllerServer(t, c)
	ctx := context.Background()

	createResp, err := cs.CreateVolume(ctx, &csi.CreateVolumeRequest{
		Name:       "pvc-e2e",
		Parameters: map[string]string{"storage": testStorage},
	})
	require.NoError(t, err)
	volID := createResp.GetVolume().GetVolumeId()

	_, err = cs.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{
		VolumeId:      volID,
		CapacityRange: &csi.CapacityRange{RequiredBytes: 20 << 30},
	})
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}
