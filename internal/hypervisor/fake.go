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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeClient is an in-memory Client used by internal/proxmoxdriver tests in
// place of a real cluster, mirroring mount.FakeMounter's role for the
// filesystem layer.
type FakeClient struct {
	mu sync.Mutex

	// Nodes lists the cluster's node names.
	Nodes []string
	// VMsByNode maps node name to the VMs that live there.
	VMsByNode map[string][]VM
	// Configs maps vmid to its current configuration.
	Configs map[int]map[string]string
	// Disks maps "storage/filename" to its size in bytes.
	Disks map[string]int64

	// UpdateCalls counts UpdateVMConfig invocations, for idempotency tests.
	UpdateCalls int
	// ResizeCalls records every ResizeVMDisk invocation, for expand tests.
	ResizeCalls []string
}

// NewFakeClient returns an empty FakeClient ready for test setup.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		VMsByNode: make(map[string][]VM),
		Configs:   make(map[int]map[string]string),
		Disks:     make(map[string]int64),
	}
}

func (f *FakeClient) ListNodes(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodes := append([]string(nil), f.Nodes...)
	sort.Strings(nodes)

	return nodes, nil
}

func (f *FakeClient) ListVMs(_ context.Context, node string) ([]VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]VM(nil), f.VMsByNode[node]...), nil
}

func (f *FakeClient) GetVMConfig(_ context.Context, vmid int, _ string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg, ok := f.Configs[vmid]
	if !ok {
		return nil, fmt.Errorf("%w: vmid %d", ErrNotFound, vmid)
	}
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}

	return out, nil
}

func (f *FakeClient) UpdateVMConfig(_ context.Context, vmid int, _ string, patch map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls++

	cfg, ok := f.Configs[vmid]
	if !ok {
		cfg = make(map[string]string)
		f.Configs[vmid] = cfg
	}
	for k, v := range patch {
		if k == "delete" {
			for _, key := range strings.Split(v, ",") {
				delete(cfg, key)
			}

			continue
		}
		cfg[k] = v
	}

	return nil
}

func (f *FakeClient) CreateVMDisk(_ context.Context, vmid int, _ string, storage, filename string, sizeBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := storage + "/" + filename
	if _, ok := f.Disks[key]; ok {
		// The hypervisor always rejects a duplicate name; it is the
		// caller's job to read back the existing size for comparison.
		return fmt.Errorf("%w: %s", ErrAlreadyExists, filename)
	}
	f.Disks[key] = sizeBytes

	// Record the disk as an "unused<N>" entry of its owner's config, with
	// its size, so a caller can read the existing size back.
	cfg, ok := f.Configs[vmid]
	if !ok {
		cfg = make(map[string]string)
		f.Configs[vmid] = cfg
	}
	n := 0
	for _, taken := cfg[fmt.Sprintf("unused%d", n)]; taken; _, taken = cfg[fmt.Sprintf("unused%d", n)] {
		n++
	}
	cfg[fmt.Sprintf("unused%d", n)] = fmt.Sprintf("%s:%s,size=%s", storage, filename, sizeToGiBSpec(sizeBytes))

	return nil
}

func (f *FakeClient) DeleteVMDisk(_ context.Context, vmid int, _ string, storage, volume string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := storage + "/" + volume
	if _, ok := f.Disks[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, volume)
	}
	delete(f.Disks, key)
	for k, desc := range f.Configs[vmid] {
		if strings.HasPrefix(k, "unused") && strings.HasPrefix(desc, storage+":"+volume+",") {
			delete(f.Configs[vmid], k)
		}
	}

	return nil
}

func (f *FakeClient) ResizeVMDisk(_ context.Context, vmid int, _ string, device, sizeSpec string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResizeCalls = append(f.ResizeCalls, fmt.Sprintf("%d:%s:%s", vmid, device, sizeSpec))

	return nil
}

func (f *FakeClient) FindVMByName(_ context.Context, name string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, node := range f.Nodes {
		for _, vm := range f.VMsByNode[node] {
			if strings.EqualFold(vm.Name, name) {
				return vm.VMID, node, nil
			}
		}
	}

	return 0, "", fmt.Errorf("%w: VM named %q", ErrNotFound, name)
}

func (f *FakeClient) FindVMNode(_ context.Context, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, node := range f.Nodes {
		for _, vm := range f.VMsByNode[node] {
			if vm.VMID == vmid {
				return node, nil
			}
		}
	}

	return "", fmt.Errorf("%w: vmid %d", ErrNotFound, vmid)
}

// AddVM registers vm on node, creating an empty config entry.
func (f *FakeClient) AddVM(node string, vm VM) {
	f.mu.Lock()
	defer f.mu.Unlock()

	found := false
	for _, n := range f.Nodes {
		if n == node {
			found = true

			break
		}
	}
	if !found {
		f.Nodes = append(f.Nodes, node)
	}
	f.VMsByNode[node] = append(f.VMsByNode[node], vm)
	if _, ok := f.Configs[vm.VMID]; !ok {
		f.Configs[vm.VMID] = make(map[string]string)
	}
}
