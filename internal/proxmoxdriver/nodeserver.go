/*
Copyright 2018 The Ceph-CSI Authors.

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
	"strings"

	csicommon "github.com/adi/proxmox-shared-lvm-csi-plugin/internal/csi-common"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/device"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/filesystem"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util/log"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// volumeDevicesMarker is the substring NodeUnstageVolume uses to recognize
// a raw-block staging path and skip the unmount it would otherwise attempt.
const volumeDevicesMarker = "/volumeDevices/"

// NodeServer implements the CSI Node service.
type NodeServer struct {
	*csicommon.DefaultNodeServer

	Discoverer  *device.Discoverer
	Filesystem  *filesystem.Filesystem
	VolumeLocks *util.VolumeLocks
}

// NewNodeServer builds a NodeServer backed by the real sysfs and mount
// table.
func NewNodeServer(d *csicommon.CSIDriver, topology map[string]string) *NodeServer {
	return &NodeServer{
		DefaultNodeServer: csicommon.NewDefaultNodeServer(d, topology),
		Discoverer:        device.New(),
		Filesystem:        filesystem.New(),
		VolumeLocks:       util.NewVolumeLocks(),
	}
}

// isBlock reports whether cap requests raw block access rather than a
// mounted filesystem.
func isBlock(cap *csi.VolumeCapability) bool {
	return cap.GetBlock() != nil
}

// NodeStageVolume formats (if needed) and mounts the volume's backing
// device at staging_target_path. A no-op for the block access type.
func (ns *NodeServer) NodeStageVolume(
	ctx context.Context,
	req *csi.NodeStageVolumeRequest,
) (*csi.NodeStageVolumeResponse, error) {
	if err := util.ValidateNodeStageVolumeRequest(req); err != nil {
		return nil, err
	}

	if isBlock(req.GetVolumeCapability()) {
		return &csi.NodeStageVolumeResponse{}, nil
	}

	if !ns.VolumeLocks.TryAcquire(req.GetVolumeId()) {
		return nil, status.Errorf(codes.Aborted, util.VolumeOperationAlreadyExistsFmt, req.GetVolumeId())
	}
	defer ns.VolumeLocks.Release(req.GetVolumeId())

	devicePath, ok := req.GetPublishContext()["DevicePath"]
	if !ok || devicePath == "" {
		return nil, status.Error(codes.InvalidArgument, "publish context missing DevicePath")
	}

	wwn, err := device.WWNFromDevicePath(devicePath)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	realDevice, err := ns.Discoverer.DiscoverByWWN(ctx, wwn)
	if err != nil {
		return nil, err
	}

	fstype := req.GetVolumeCapability().GetMount().GetFsType()
	if fstype == "" {
		fstype = "ext4"
	}

	existing, err := ns.Filesystem.CheckFilesystem(realDevice)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to probe filesystem on %s: %v", realDevice, err)
	}
	if existing == "" {
		if err := ns.Filesystem.Format(ctx, realDevice, fstype); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to format %s: %v", realDevice, err)
		}
	}

	mounted, err := ns.Filesystem.IsMounted(req.GetStagingTargetPath())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check mount state of %s: %v", req.GetStagingTargetPath(), err)
	}
	if !mounted {
		opts := csicommon.ConstructMountOptions(nil, req.GetVolumeCapability())
		if err := ns.Filesystem.Mount(realDevice, req.GetStagingTargetPath(), fstype, opts); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to mount %s at %s: %v", realDevice, req.GetStagingTargetPath(), err)
		}
	}

	log.DebugLog(ctx, "staged volume %s at %s", req.GetVolumeId(), req.GetStagingTargetPath())

	return &csi.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume unmounts the staging path, skipping raw-block staging
// paths.
func (ns *NodeServer) NodeUnstageVolume(
	ctx context.Context,
	req *csi.NodeUnstageVolumeRequest,
) (*csi.NodeUnstageVolumeResponse, error) {
	if err := util.ValidateNodeUnstageVolumeRequest(req); err != nil {
		return nil, err
	}

	if strings.Contains(req.GetStagingTargetPath(), volumeDevicesMarker) {
		return &csi.NodeUnstageVolumeResponse{}, nil
	}

	if !ns.VolumeLocks.TryAcquire(req.GetVolumeId()) {
		return nil, status.Errorf(codes.Aborted, util.VolumeOperationAlreadyExistsFmt, req.GetVolumeId())
	}
	defer ns.VolumeLocks.Release(req.GetVolumeId())

	mounted, err := ns.Filesystem.IsMounted(req.GetStagingTargetPath())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check mount state of %s: %v", req.GetStagingTargetPath(), err)
	}
	if mounted {
		if err := ns.Filesystem.Unmount(ctx, req.GetStagingTargetPath()); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to unmount %s: %v", req.GetStagingTargetPath(), err)
		}
	}

	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume bind-mounts the staged path (or, for block capability,
// the discovered device directly) onto target_path.
func (ns *NodeServer) NodePublishVolume(
	ctx context.Context,
	req *csi.NodePublishVolumeRequest,
) (*csi.NodePublishVolumeResponse, error) {
	if err := util.ValidateNodePublishVolumeRequest(req); err != nil {
		return nil, err
	}

	var source string
	if isBlock(req.GetVolumeCapability()) {
		devicePath, ok := req.GetPublishContext()["DevicePath"]
		if !ok || devicePath == "" {
			return nil, status.Error(codes.InvalidArgument, "publish context missing DevicePath")
		}
		wwn, err := device.WWNFromDevicePath(devicePath)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		realDevice, err := ns.Discoverer.DiscoverByWWN(ctx, wwn)
		if err != nil {
			return nil, err
		}
		source = realDevice
	} else {
		source = req.GetStagingTargetPath()
	}

	if err := ns.Filesystem.BindMount(source, req.GetTargetPath(), req.GetReadonly()); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to bind-mount %s at %s: %v", source, req.GetTargetPath(), err)
	}

	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume unmounts target_path.
func (ns *NodeServer) NodeUnpublishVolume(
	ctx context.Context,
	req *csi.NodeUnpublishVolumeRequest,
) (*csi.NodeUnpublishVolumeResponse, error) {
	if err := util.ValidateNodeUnpublishVolumeRequest(req); err != nil {
		return nil, err
	}

	mounted, err := ns.Filesystem.IsMounted(req.GetTargetPath())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check mount state of %s: %v", req.GetTargetPath(), err)
	}
	if mounted {
		if err := ns.Filesystem.Unmount(ctx, req.GetTargetPath()); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to unmount %s: %v", req.GetTargetPath(), err)
		}
	}

	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeExpandVolume grows the filesystem on an already-resized device. A
// no-op for raw block volumes.
func (ns *NodeServer) NodeExpandVolume(
	ctx context.Context,
	req *csi.NodeExpandVolumeRequest,
) (*csi.NodeExpandVolumeResponse, error) {
	if err := util.ValidateNodeExpandVolumeRequest(req); err != nil {
		return nil, err
	}

	if req.GetVolumeCapability() != nil && isBlock(req.GetVolumeCapability()) {
		return &csi.NodeExpandVolumeResponse{}, nil
	}

	mountPath := req.GetVolumePath()
	realDevice, err := filesystem.GetDeviceFromMount(mountPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to resolve device backing %s: %v", mountPath, err)
	}

	fstype, err := ns.Filesystem.CheckFilesystem(realDevice)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to probe filesystem on %s: %v", realDevice, err)
	}

	if err := ns.Filesystem.Resize(ctx, realDevice, mountPath, fstype); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to resize %s: %v", realDevice, err)
	}

	return &csi.NodeExpandVolumeResponse{}, nil
}

// NodeGetVolumeStats reports byte and inode usage of a mounted volume.
func (ns *NodeServer) NodeGetVolumeStats(
	ctx context.Context,
	req *csi.NodeGetVolumeStatsRequest,
) (*csi.NodeGetVolumeStatsResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID missing in request")
	}
	if req.GetVolumePath() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume path missing in request")
	}

	return csicommon.FilesystemNodeGetVolumeStats(ctx, ns.Filesystem.Mounter, req.GetVolumePath(), true)
}

// NodeGetCapabilities advertises STAGE_UNSTAGE_VOLUME, EXPAND_VOLUME and
// GET_VOLUME_STATS.
func (ns *NodeServer) NodeGetCapabilities(
	ctx context.Context,
	req *csi.NodeGetCapabilitiesRequest,
) (*csi.NodeGetCapabilitiesResponse, error) {
	caps := []csi.NodeServiceCapability_RPC_Type{
		csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
		csi.NodeServiceCapability_RPC_EXPAND_VOLUME,
		csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
	}

	resp := &csi.NodeGetCapabilitiesResponse{}
	for _, c := range caps {
		resp.Capabilities = append(resp.Capabilities, &csi.NodeServiceCapability{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{Type: c},
			},
		})
	}

	return resp, nil
}

// NodeGetInfo returns this node's identity and the max SCSI LUN bound.
func (ns *NodeServer) NodeGetInfo(
	ctx context.Context,
	req *csi.NodeGetInfoRequest,
) (*csi.NodeGetInfoResponse, error) {
	resp, err := ns.DefaultNodeServer.NodeGetInfo(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.MaxVolumesPerNode = util.MaxVolumesPerNode

	return resp, nil
}
