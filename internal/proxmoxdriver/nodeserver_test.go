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
	"os"
	"path/filepath"
	"testing"
	"time"

	csicommon "github.com/adi/proxmox-shared-lvm-csi-plugin/internal/csi-common"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/device"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/filesystem"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mount "k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"
	fakeexec "k8s.io/utils/exec/testing"
)

func makeFakeSCSIDevice(t *testing.T, root, name, vendor, wwid, blockName string) {
	t.Helper()
	devDir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(devDir, "block", blockName), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "vendor"), []byte(vendor+"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "wwid"), []byte(wwid+"\n"), 0o600))
}

func newTestNodeServer(t *testing.T, sysfsRoot string) *NodeServer {
	t.Helper()

	d := csicommon.NewCSIDriver(util.DriverName, "0.1.0", "test-node")
	require.NotNil(t, d)

	return &NodeServer{
		DefaultNodeServer: csicommon.NewDefaultNodeServer(d, map[string]string{}),
		Discoverer:        &device.Discoverer{SysfsSCSIDevices: sysfsRoot},
		Filesystem: &filesystem.Filesystem{
			Mounter: mount.NewFakeMounter(nil),
			Exec:    &fakeexec.FakeExec{},
		},
		VolumeLocks: util.NewVolumeLocks(),
	}
}

func TestNodeGetInfoReportsMaxVolumesPerNode(t *testing.T) {
	ns := newTestNodeServer(t, t.TempDir())

	resp, err := ns.NodeGetInfo(context.Background(), &csi.NodeGetInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(util.MaxVolumesPerNode), resp.GetMaxVolumesPerNode())
	assert.Equal(t, "test-node", resp.GetNodeId())
}

func TestNodeGetCapabilitiesAdvertisesExpectedRPCs(t *testing.T) {
	ns := newTestNodeServer(t, t.TempDir())

	resp, err := ns.NodeGetCapabilities(context.Background(), &csi.NodeGetCapabilitiesRequest{})
	require.NoError(t, err)

	var got []csi.NodeServiceCapability_RPC_Type
	for _, c := range resp.GetCapabilities() {
		got = append(got, c.GetRpc().GetType())
	}
	assert.Contains(t, got, csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME)
	assert.Contains(t, got, csi.NodeServiceCapability_RPC_EXPAND_VOLUME)
	assert.Contains(t, got, csi.NodeServiceCapability_RPC_GET_VOLUME_STATS)
}

func TestNodeStageVolumeNoopForBlock(t *testing.T) {
	ns := newTestNodeServer(t, t.TempDir())

	resp, err := ns.NodeStageVolume(context.Background(), &csi.NodeStageVolumeRequest{
		VolumeId:          "region1/node1/local-lvm/vm-9999-pvc-1",
		StagingTargetPath: t.TempDir(),
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_BlockVolume{}},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestNodeUnstageVolumeSkipsRawBlockPath(t *testing.T) {
	ns := newTestNodeServer(t, t.TempDir())

	resp, err := ns.NodeUnstageVolume(context.Background(), &csi.NodeUnstageVolumeRequest{
		VolumeId:          "region1/node1/local-lvm/vm-9999-pvc-1",
		StagingTargetPath: "/var/lib/kubelet/plugins/kubernetes.io/csi/volumeDevices/publish/vol-1",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestNodePublishVolumeMountBindMountsStagingPath(t *testing.T) {
	ns := newTestNodeServer(t, t.TempDir())
	staging := t.TempDir()
	target := filepath.Join(t.TempDir(), "target")

	_, err := ns.NodePublishVolume(context.Background(), &csi.NodePublishVolumeRequest{
		VolumeId:          "region1/node1/local-lvm/vm-9999-pvc-1",
		StagingTargetPath: staging,
		TargetPath:        target,
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
		},
	})
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNodePublishVolumeBlockFailsWithoutDiscoverableDevice(t *testing.T) {
	ns := newTestNodeServer(t, t.TempDir())
	target := filepath.Join(t.TempDir(), "target")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := ns.NodePublishVolume(ctx, &csi.NodePublishVolumeRequest{
		VolumeId:          "region1/node1/local-lvm/vm-9999-pvc-1",
		StagingTargetPath: t.TempDir(),
		TargetPath:        target,
		PublishContext: map[string]string{
			"DevicePath": "/dev/disk/by-id/wwn-0x5043432d49443035",
		},
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_BlockVolume{}},
		},
	})
	require.Error(t, err)
}

func TestNodeUnpublishVolumeUnmountsWhenMounted(t *testing.T) {
	ns := newTestNodeServer(t, t.TempDir())
	target := t.TempDir()
	mounter := ns.Filesystem.Mounter.(*mount.FakeMounter)
	mounter.MountPoints = []mount.MountPoint{{Path: target}}
	// Unmount issues one fstrim before unmounting.
	ns.Filesystem.Exec = &fakeexec.FakeExec{
		CommandScript: []fakeexec.FakeCommandAction{
			func(cmd string, args ...string) utilexec.Cmd {
				return &fakeexec.FakeCmd{
					CombinedOutputScript: []fakeexec.FakeCombinedOutputAction{
						func() ([]byte, error) { return nil, nil },
					},
				}
			},
		},
	}

	_, err := ns.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{
		VolumeId:   "region1/node1/local-lvm/vm-9999-pvc-1",
		TargetPath: target,
	})
	require.NoError(t, err)
	assert.Empty(t, mounter.MountPoints)
}
