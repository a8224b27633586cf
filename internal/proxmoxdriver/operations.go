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
	"fmt"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/hypervisor"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util/log"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/volume"
)

// ErrSplitBrain is returned by Attach when the disk is already attached to
// a workload VM other than the one requesting attachment.
var ErrSplitBrain = errors.New("disk already attached to a different VM")

// ErrNotAttached is returned by Expand when the disk cannot be located on
// any node's configuration.
var ErrNotAttached = errors.New("volume is not currently attached")

// PublishContext is the opaque string map handed from ControllerPublish to
// NodeStage/Publish.
type PublishContext struct {
	DevicePath string
	LUN        int
}

// ToMap renders the publish context in the string-map form the CSI wire
// protocol requires.
func (p PublishContext) ToMap() map[string]string {
	return map[string]string{
		"DevicePath": p.DevicePath,
		"lun":        fmt.Sprintf("%d", p.LUN),
	}
}

// devicePathForLUN renders the stable by-id device path for lun.
func devicePathForLUN(lun int) string {
	return "/dev/disk/by-id/wwn-0x" + volume.WWNForLUN(lun)
}

// Create allocates a new at-rest disk and returns its canonical volume ID.
func Create(ctx context.Context, client hypervisor.Client, region, zone, storage, pvcName string, sizeBytes int64) (string, error) {
	disk := volume.FormatDiskName(pvcName)

	err := client.CreateVMDisk(ctx, volume.StorageVMID, zone, storage, disk, sizeBytes)
	switch {
	case err == nil:
		return volume.CreateVolumeID(region, zone, storage, pvcName), nil
	case hypervisor.IsAlreadyExists(err):
		cfg, cfgErr := client.GetVMConfig(ctx, volume.StorageVMID, zone)
		if cfgErr != nil {
			return "", fmt.Errorf("failed to read back existing disk %s: %w", disk, cfgErr)
		}
		if existing, ok := hypervisor.DiskSizeFromConfig(cfg, disk); ok && existing == sizeBytes {
			log.DebugLog(ctx, "disk %s already exists at requested size, treating create as idempotent", disk)

			return volume.CreateVolumeID(region, zone, storage, pvcName), nil
		}

		return "", err
	default:
		return "", err
	}
}

// Delete removes the at-rest disk identified by volumeID. A hypervisor 404
// is treated as success.
func Delete(ctx context.Context, client hypervisor.Client, id volume.ID) error {
	err := client.DeleteVMDisk(ctx, volume.StorageVMID, id.Zone, id.Storage, id.Disk)
	if err != nil && !hypervisor.IsNotFound(err) {
		return err
	}

	return nil
}

// CheckExistingAttachments scans every node's every workload VM (vmid !=
// StorageVMID) for an attachment of disk on storage, returning the first
// hit. A fully failed scan (zero nodes successfully queried) is a hard
// error.
func CheckExistingAttachments(ctx context.Context, client hypervisor.Client, storage, disk string) (vmid, lun int, found bool, err error) {
	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return 0, 0, false, fmt.Errorf("split-brain scan: failed to list nodes: %w", err)
	}

	queried := 0
	for _, node := range nodes {
		vms, err := client.ListVMs(ctx, node)
		if err != nil {
			log.ErrorLog(ctx, "split-brain scan: failed to list VMs on node %s: %v", node, err)

			continue
		}
		queried++

		for _, vm := range vms {
			if vm.VMID == volume.StorageVMID {
				continue
			}

			cfg, err := client.GetVMConfig(ctx, vm.VMID, node)
			if err != nil {
				log.ErrorLog(ctx, "split-brain scan: failed to read config of vmid %d: %v", vm.VMID, err)

				continue
			}

			scsiDisks := hypervisor.ExtractSCSIDisks(cfg)
			if l, ok := volume.IsDiskAttached(scsiDisks, disk); ok {
				return vm.VMID, l, true, nil
			}
		}
	}

	if queried == 0 {
		return 0, 0, false, fmt.Errorf("split-brain scan: failed to query any of %d node(s)", len(nodes))
	}

	return 0, 0, false, nil
}

// Attach attaches the disk identified by id to vmid, enforcing the
// split-brain invariant via CheckExistingAttachments before allocating a
// LUN.
func Attach(ctx context.Context, client hypervisor.Client, vmid int, id volume.ID) (PublishContext, error) {
	vmNode, err := client.FindVMNode(ctx, vmid)
	if err != nil {
		return PublishContext{}, err
	}

	cfg, err := client.GetVMConfig(ctx, vmid, vmNode)
	if err != nil {
		return PublishContext{}, err
	}
	scsiDisks := hypervisor.ExtractSCSIDisks(cfg)

	if lun, ok := volume.IsDiskAttached(scsiDisks, id.Disk); ok {
		return PublishContext{DevicePath: devicePathForLUN(lun), LUN: lun}, nil
	}

	holderVMID, holderLUN, found, err := CheckExistingAttachments(ctx, client, id.Storage, id.Disk)
	if err != nil {
		return PublishContext{}, err
	}
	if found && holderVMID != vmid {
		return PublishContext{}, fmt.Errorf("%w: disk %s is attached to vmid %d at lun %d", ErrSplitBrain, id.Disk, holderVMID, holderLUN)
	}

	lun, ok := volume.FindFreeLUN(scsiDisks)
	if !ok {
		return PublishContext{}, fmt.Errorf("%w", volume.ErrNoFreeLUN)
	}

	patch := map[string]string{
		fmt.Sprintf("scsi%d", lun): volume.FormatAttachment(id.Storage, id.Disk, lun),
	}
	if err := client.UpdateVMConfig(ctx, vmid, vmNode, patch); err != nil {
		return PublishContext{}, err
	}

	return PublishContext{DevicePath: devicePathForLUN(lun), LUN: lun}, nil
}

// Detach removes the disk's SCSI attachment from vmid, if any. A vanished
// VM or an already-detached disk are both treated as success.
func Detach(ctx context.Context, client hypervisor.Client, vmid int, id volume.ID) error {
	vmNode, err := client.FindVMNode(ctx, vmid)
	if err != nil {
		if hypervisor.IsNotFound(err) {
			return nil
		}

		return err
	}

	cfg, err := client.GetVMConfig(ctx, vmid, vmNode)
	if err != nil {
		return err
	}
	scsiDisks := hypervisor.ExtractSCSIDisks(cfg)

	lun, ok := volume.IsDiskAttached(scsiDisks, id.Disk)
	if !ok {
		return nil
	}

	return client.UpdateVMConfig(ctx, vmid, vmNode, map[string]string{
		"delete": fmt.Sprintf("scsi%d", lun),
	})
}

// Expand grows the attached disk to newSizeBytes. The volume MUST already
// be attached; its LUN is discovered via vmid's current configuration.
func Expand(ctx context.Context, client hypervisor.Client, vmid int, id volume.ID, newSizeBytes int64) error {
	vmNode, err := client.FindVMNode(ctx, vmid)
	if err != nil {
		return err
	}

	cfg, err := client.GetVMConfig(ctx, vmid, vmNode)
	if err != nil {
		return err
	}
	scsiDisks := hypervisor.ExtractSCSIDisks(cfg)

	lun, ok := volume.IsDiskAttached(scsiDisks, id.Disk)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, id.Disk)
	}

	const mebibyte = 1 << 20
	sizeSpec := fmt.Sprintf("%dM", (newSizeBytes+mebibyte-1)/mebibyte)

	return client.ResizeVMDisk(ctx, vmid, vmNode, fmt.Sprintf("scsi%d", lun), sizeSpec)
}
