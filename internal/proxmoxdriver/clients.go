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

// Package proxmoxdriver implements the volume lifecycle engine and the CSI
// Controller/Node RPC façades on top of internal/hypervisor,
// internal/volume, internal/device, and internal/filesystem.
package proxmoxdriver

import (
	"fmt"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/hypervisor"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"
)

// ClientFactory builds a hypervisor.Client for one cluster entry. Production
// code uses hypervisor.NewRESTClient; tests substitute a factory that
// returns pre-seeded hypervisor.FakeClients.
type ClientFactory func(entry util.ClusterEntry) hypervisor.Client

// DefaultClientFactory builds a real RESTClient per cluster entry.
func DefaultClientFactory(entry util.ClusterEntry) hypervisor.Client {
	return hypervisor.NewRESTClient(entry.URL, entry.TokenID, entry.TokenSecret, entry.Insecure)
}

// ClientSet is the read-only-after-construction region → client map.
type ClientSet struct {
	clients map[string]hypervisor.Client
}

// NewClientSet builds a ClientSet from a loaded cluster configuration,
// using factory to construct one client per region. Regions are already
// guaranteed unique by util.LoadClusterConfig.
func NewClientSet(cfg *util.ClusterConfig, factory ClientFactory) *ClientSet {
	clients := make(map[string]hypervisor.Client, len(cfg.Clusters))
	for _, entry := range cfg.Clusters {
		clients[entry.Region] = factory(entry)
	}

	return &ClientSet{clients: clients}
}

// Get returns the client for region, or ErrRegionNotFound.
func (cs *ClientSet) Get(region string) (hypervisor.Client, error) {
	c, ok := cs.clients[region]
	if !ok {
		return nil, fmt.Errorf("%w: %q", util.ErrRegionNotFound, region)
	}

	return c, nil
}

// FirstRegion returns the first configured region, in the order the
// configuration file listed it, for CreateVolume's region selection.
func (cs *ClientSet) FirstRegion(cfg *util.ClusterConfig) (string, error) {
	if len(cfg.Clusters) == 0 {
		return "", util.ErrNoClusters
	}

	return cfg.Clusters[0].Region, nil
}
