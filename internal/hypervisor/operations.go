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

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/volume"
)

var scsiDiskKeyRE = regexp.MustCompile(`^scsi\d+$`)

// Client is the interface the volume lifecycle engine (internal/
// proxmoxdriver) drives. RESTClient is the production implementation; tests
// substitute FakeClient.
type Client interface {
	ListNodes(ctx context.Context) ([]string, error)
	ListVMs(ctx context.Context, node string) ([]VM, error)
	GetVMConfig(ctx context.Context, vmid int, node string) (map[string]string, error)
	UpdateVMConfig(ctx context.Context, vmid int, node string, patch map[string]string) error
	CreateVMDisk(ctx context.Context, vmid int, node, storage, filename string, sizeBytes int64) error
	DeleteVMDisk(ctx context.Context, vmid int, node, storage, volume string) error
	ResizeVMDisk(ctx context.Context, vmid int, node, device, sizeSpec string) error
	FindVMByName(ctx context.Context, name string) (vmid int, node string, err error)
	FindVMNode(ctx context.Context, vmid int) (node string, err error)
}

// ListNodes returns the names of every node in the cluster.
func (c *RESTClient) ListNodes(ctx context.Context) ([]string, error) {
	var nodes []struct {
		Node string `json:"node"`
	}
	if err := c.do(ctx, "GET", "/nodes", nil, &nodes); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Node)
	}

	return names, nil
}

// ListVMs returns every QEMU guest configured on node.
func (c *RESTClient) ListVMs(ctx context.Context, node string) ([]VM, error) {
	var vms []struct {
		VMID int    `json:"vmid"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, "GET", fmt.Sprintf("/nodes/%s/qemu", node), nil, &vms); err != nil {
		return nil, err
	}

	out := make([]VM, 0, len(vms))
	for _, v := range vms {
		out = append(out, VM{VMID: v.VMID, Name: v.Name})
	}

	return out, nil
}

// GetVMConfig returns the raw key/value configuration of a VM.
func (c *RESTClient) GetVMConfig(ctx context.Context, vmid int, node string) (map[string]string, error) {
	var raw map[string]interface{}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid)
	if err := c.do(ctx, "GET", path, nil, &raw); err != nil {
		return nil, err
	}

	cfg := make(map[string]string, len(raw))
	for k, v := range raw {
		cfg[k] = fmt.Sprintf("%v", v)
	}

	return cfg, nil
}

// UpdateVMConfig applies patch to a VM's configuration. The reserved key
// "delete" removes the device named by its value (e.g. "scsi5"); any other
// key/value pair is set as-is.
func (c *RESTClient) UpdateVMConfig(ctx context.Context, vmid int, node string, patch map[string]string) error {
	form := url.Values{}
	for k, v := range patch {
		form.Set(k, v)
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid)

	return c.do(ctx, "PUT", path, form, nil)
}

// CreateVMDisk allocates a new disk of sizeBytes (rounded up to the next
// whole GiB) named filename on storage, owned by vmid.
func (c *RESTClient) CreateVMDisk(ctx context.Context, vmid int, node, storage, filename string, sizeBytes int64) error {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(vmid))
	form.Set("filename", filename)
	form.Set("size", sizeToGiBSpec(sizeBytes))
	form.Set("format", "raw")

	path := fmt.Sprintf("/nodes/%s/storage/%s/content", node, storage)
	err := c.do(ctx, "POST", path, form, nil)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, filename)
	}

	return err
}

// DeleteVMDisk removes volume from storage. A 404 is swallowed by the
// caller (internal/proxmoxdriver.Delete) to make the operation idempotent.
func (c *RESTClient) DeleteVMDisk(ctx context.Context, vmid int, node, storage, volume string) error {
	path := fmt.Sprintf("/nodes/%s/storage/%s/content/%s:%s", node, storage, storage, volume)

	return c.do(ctx, "DELETE", path, nil, nil)
}

// ResizeVMDisk grows the disk at device (e.g. "scsi5") on vmid to sizeSpec
// ("+<n>G" or "<n>M").
func (c *RESTClient) ResizeVMDisk(ctx context.Context, vmid int, node, device, sizeSpec string) error {
	form := url.Values{}
	form.Set("disk", device)
	form.Set("size", sizeSpec)

	path := fmt.Sprintf("/nodes/%s/qemu/%d/resize", node, vmid)

	return c.do(ctx, "PUT", path, form, nil)
}

// FindVMByName scans every node for a case-insensitive exact name match;
// the first hit wins.
func (c *RESTClient) FindVMByName(ctx context.Context, name string) (int, string, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return 0, "", err
	}

	for _, node := range nodes {
		vms, err := c.ListVMs(ctx, node)
		if err != nil {
			continue
		}
		for _, vm := range vms {
			if strings.EqualFold(vm.Name, name) {
				return vm.VMID, node, nil
			}
		}
	}

	return 0, "", fmt.Errorf("%w: VM named %q", ErrNotFound, name)
}

// FindVMNode locates the node currently hosting vmid, accounting for live
// migration: the VM's home node is not fixed, so every node is scanned.
func (c *RESTClient) FindVMNode(ctx context.Context, vmid int) (string, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return "", err
	}

	for _, node := range nodes {
		vms, err := c.ListVMs(ctx, node)
		if err != nil {
			continue
		}
		for _, vm := range vms {
			if vm.VMID == vmid {
				return node, nil
			}
		}
	}

	return "", fmt.Errorf("%w: vmid %d", ErrNotFound, vmid)
}

// ExtractSCSIDisks filters a VM config down to its scsi<N> disk attachment
// descriptors.
func ExtractSCSIDisks(vmConfig map[string]string) map[string]string {
	disks := make(map[string]string)
	for k, v := range vmConfig {
		if scsiDiskKeyRE.MatchString(k) {
			disks[k] = v
		}
	}

	return disks
}

// DiskSizeFromConfig scans every entry of a VM configuration for a
// descriptor referencing disk, returning the size encoded in its "size="
// parameter. Used to compare a freshly requested size against an existing
// disk's size when CreateVMDisk reports AlreadyExists.
func DiskSizeFromConfig(cfg map[string]string, disk string) (int64, bool) {
	for _, desc := range cfg {
		if volume.DiskFromDescriptor(desc) != disk {
			continue
		}
		spec, ok := sizeParamFromDescriptor(desc)
		if !ok {
			continue
		}
		bytes, err := ParseSizeSpec(spec)
		if err != nil {
			continue
		}

		return bytes, true
	}

	return 0, false
}

// IsNotFound reports whether err (or its chain) denotes a hypervisor 404 /
// lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err denotes a hypervisor duplicate-name
// rejection.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
