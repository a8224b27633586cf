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
	"strconv"

	csicommon "github.com/adi/proxmox-shared-lvm-csi-plugin/internal/csi-common"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/hypervisor"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util/log"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/volume"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	minVolumeSize     = 512 << 20 // 512 MiB floor.
	defaultVolumeSize = 10 << 30  // 10 GiB, used when no capacity range is given.
)

// ControllerServer implements the CSI Controller service.
type ControllerServer struct {
	*csicommon.DefaultControllerServer

	Clients     *ClientSet
	ClusterConf *util.ClusterConfig
	VolumeLocks *util.VolumeLocks
}

// NewControllerServer builds a ControllerServer over a pre-built client set.
func NewControllerServer(d *csicommon.CSIDriver, clients *ClientSet, clusterConf *util.ClusterConfig) *ControllerServer {
	return &ControllerServer{
		DefaultControllerServer: csicommon.NewDefaultControllerServer(d),
		Clients:                 clients,
		ClusterConf:             clusterConf,
		VolumeLocks:             util.NewVolumeLocks(),
	}
}

// CreateVolume provisions a new at-rest disk.
func (cs *ControllerServer) CreateVolume(
	ctx context.Context,
	req *csi.CreateVolumeRequest,
) (*csi.CreateVolumeResponse, error) {
	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume name missing in request")
	}
	storage := req.GetParameters()["storage"]
	if storage == "" {
		return nil, status.Error(codes.InvalidArgument, "storage parameter missing in request")
	}

	sizeBytes := requestedSize(req.GetCapacityRange())

	region, err := cs.Clients.FirstRegion(cs.ClusterConf)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	client, err := cs.Clients.Get(region)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list nodes in region %s: %v", region, err)
	}
	if len(nodes) == 0 {
		return nil, status.Errorf(codes.Internal, "region %s has no nodes", region)
	}
	zone := nodes[0]

	if !cs.VolumeLocks.TryAcquire(req.GetName()) {
		return nil, status.Errorf(codes.Aborted, util.VolumeOperationAlreadyExistsFmt, req.GetName())
	}
	defer cs.VolumeLocks.Release(req.GetName())

	volumeID, err := Create(ctx, client, region, zone, storage, req.GetName(), sizeBytes)
	if err != nil {
		return nil, mapOperationError(err)
	}

	log.UsefulLog(ctx, "created volume %s (%d bytes)", volumeID, sizeBytes)

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      volumeID,
			CapacityBytes: sizeBytes,
		},
	}, nil
}

// requestedSize derives the size to provision from a CapacityRange,
// defaulting to 10 GiB and flooring at 512 MiB.
func requestedSize(cr *csi.CapacityRange) int64 {
	if cr == nil || cr.GetRequiredBytes() == 0 {
		return defaultVolumeSize
	}
	if cr.GetRequiredBytes() < minVolumeSize {
		return minVolumeSize
	}

	return cr.GetRequiredBytes()
}

// DeleteVolume removes an at-rest disk.
func (cs *ControllerServer) DeleteVolume(
	ctx context.Context,
	req *csi.DeleteVolumeRequest,
) (*csi.DeleteVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID missing in request")
	}

	id, err := volume.ParseVolumeID(req.GetVolumeId())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	client, err := cs.Clients.Get(id.Region)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	if !cs.VolumeLocks.TryAcquire(req.GetVolumeId()) {
		return nil, status.Errorf(codes.Aborted, util.VolumeOperationAlreadyExistsFmt, req.GetVolumeId())
	}
	defer cs.VolumeLocks.Release(req.GetVolumeId())

	if err := Delete(ctx, client, id); err != nil {
		return nil, mapOperationError(err)
	}

	return &csi.DeleteVolumeResponse{}, nil
}

// ControllerPublishVolume attaches a volume to a workload VM.
func (cs *ControllerServer) ControllerPublishVolume(
	ctx context.Context,
	req *csi.ControllerPublishVolumeRequest,
) (*csi.ControllerPublishVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID missing in request")
	}
	if req.GetNodeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "node ID missing in request")
	}

	id, err := volume.ParseVolumeID(req.GetVolumeId())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	client, err := cs.Clients.Get(id.Region)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	vmid, err := resolveVMID(ctx, client, req.GetNodeId())
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	if !cs.VolumeLocks.TryAcquire(req.GetVolumeId()) {
		return nil, status.Errorf(codes.Aborted, util.VolumeOperationAlreadyExistsFmt, req.GetVolumeId())
	}
	defer cs.VolumeLocks.Release(req.GetVolumeId())

	pc, err := Attach(ctx, client, vmid, id)
	if err != nil {
		return nil, mapOperationError(err)
	}

	return &csi.ControllerPublishVolumeResponse{PublishContext: pc.ToMap()}, nil
}

// ControllerUnpublishVolume detaches a volume.
func (cs *ControllerServer) ControllerUnpublishVolume(
	ctx context.Context,
	req *csi.ControllerUnpublishVolumeRequest,
) (*csi.ControllerUnpublishVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID missing in request")
	}

	id, err := volume.ParseVolumeID(req.GetVolumeId())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	client, err := cs.Clients.Get(id.Region)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	if !cs.VolumeLocks.TryAcquire(req.GetVolumeId()) {
		return nil, status.Errorf(codes.Aborted, util.VolumeOperationAlreadyExistsFmt, req.GetVolumeId())
	}
	defer cs.VolumeLocks.Release(req.GetVolumeId())

	var vmid int
	if req.GetNodeId() != "" {
		vmid, err = resolveVMID(ctx, client, req.GetNodeId())
		if err != nil {
			if errors.Is(err, hypervisor.ErrNotFound) {
				return &csi.ControllerUnpublishVolumeResponse{}, nil
			}

			return nil, status.Error(codes.NotFound, err.Error())
		}
	} else {
		holder, _, found, scanErr := CheckExistingAttachments(ctx, client, id.Storage, id.Disk)
		if scanErr != nil {
			return nil, status.Error(codes.Internal, scanErr.Error())
		}
		if !found {
			return &csi.ControllerUnpublishVolumeResponse{}, nil
		}
		vmid = holder
	}

	if err := Detach(ctx, client, vmid, id); err != nil {
		return nil, mapOperationError(err)
	}

	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

// ControllerExpandVolume grows the hypervisor-side disk; the filesystem
// grow happens on the Node.
func (cs *ControllerServer) ControllerExpandVolume(
	ctx context.Context,
	req *csi.ControllerExpandVolumeRequest,
) (*csi.ControllerExpandVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID missing in request")
	}
	if req.GetCapacityRange().GetRequiredBytes() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "required_bytes missing in request")
	}

	id, err := volume.ParseVolumeID(req.GetVolumeId())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	client, err := cs.Clients.Get(id.Region)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	if !cs.VolumeLocks.TryAcquire(req.GetVolumeId()) {
		return nil, status.Errorf(codes.Aborted, util.VolumeOperationAlreadyExistsFmt, req.GetVolumeId())
	}
	defer cs.VolumeLocks.Release(req.GetVolumeId())

	holder, _, found, err := CheckExistingAttachments(ctx, client, id.Storage, id.Disk)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !found {
		return nil, status.Errorf(codes.FailedPrecondition, "volume %s is not attached to any VM", req.GetVolumeId())
	}

	newSize := req.GetCapacityRange().GetRequiredBytes()
	if err := Expand(ctx, client, holder, id, newSize); err != nil {
		return nil, mapOperationError(err)
	}

	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         newSize,
		NodeExpansionRequired: true,
	}, nil
}

// resolveVMID parses nodeID as an explicit VMID when possible, else
// resolves it to a VMID by case-insensitive exact VM name match.
func resolveVMID(ctx context.Context, client hypervisor.Client, nodeID string) (int, error) {
	if vmid, err := strconv.Atoi(nodeID); err == nil {
		return vmid, nil
	}

	vmid, _, err := client.FindVMByName(ctx, nodeID)

	return vmid, err
}

// mapOperationError translates an orchestration-layer error into the
// matching gRPC status code.
func mapOperationError(err error) error {
	switch {
	case errors.Is(err, ErrSplitBrain):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrNotAttached):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, volume.ErrNoFreeLUN):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, hypervisor.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, hypervisor.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, hypervisor.ErrUnavailable):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
