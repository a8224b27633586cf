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

package util

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// variables which will be set during the build time.
var (
	// GitCommit tells the latest git commit the image is built from.
	GitCommit string
	// DriverVersion is the driver version.
	DriverVersion string
)

// DriverName is the constant CSI plugin name advertised by GetPluginInfo.
const DriverName = "csi.proxmox.sqreept.com"

// StorageVMID is the reserved VM ID used as the at-rest "owner" namespace
// for disks that are not currently attached to any workload VM.
const StorageVMID = 9999

// MaxVolumesPerNode is the number of usable SCSI LUN slots per VM (LUN 0 is
// reserved for the boot disk, LUNs 1-29 are available).
const MaxVolumesPerNode = 29

// Config holds the parameters read from CLI flags for both the controller
// and node daemons.
type Config struct {
	Endpoint    string // CSI endpoint, e.g. unix:///csi/csi.sock
	DriverName  string // name of the driver
	NodeID      string // node name, required for the node daemon
	CloudConfig string // path to the cluster configuration YAML, controller only

	MetricsPath     string        // path of the prometheus endpoint where metrics will be available
	MetricsAddress  string        // TCP address for metrics/liveness requests
	HistogramOption string        // "<start>,<factor>,<count>" for grpc_prometheus buckets
	EnableGRPCMetrics bool

	RPCTimeout time.Duration // per-RPC deadline propagated into hypervisor HTTP calls and subprocesses

	IsControllerServer bool
	IsNodeServer       bool
	Version            bool
}

// ClusterEntry is a single hypervisor cluster record from the cloud config
// YAML file.
type ClusterEntry struct {
	URL         string `yaml:"url"`
	TokenID     string `yaml:"token_id"`
	TokenSecret string `yaml:"token_secret"`
	Region      string `yaml:"region"`
	Insecure    bool   `yaml:"insecure"`
}

// ClusterConfig is the top-level shape of the cloud config YAML file.
type ClusterConfig struct {
	Clusters []ClusterEntry `yaml:"clusters"`
}

// LoadClusterConfig reads and parses the cloud config YAML file at path,
// validating that at least one cluster is present and that regions are
// unique.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path) // #nosec:G304, path comes from trusted daemon flag/env.
	if err != nil {
		return nil, fmt.Errorf("failed to read cloud config %s: %w", path, err)
	}

	var cfg ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cloud config %s: %w", path, err)
	}

	if len(cfg.Clusters) == 0 {
		return nil, ErrNoClusters
	}

	seen := make(map[string]bool, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		if seen[c.Region] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRegion, c.Region)
		}
		seen[c.Region] = true
	}

	return &cfg, nil
}

// ParseBoolOption parses a boolean-ish config string the way the original
// cluster config's "insecure" flag is parsed: empty string means false, any
// parse failure is treated as false rather than rejected, since cluster
// config is operator-authored and YAML booleans are already type-checked by
// the unmarshaler before this ever runs on a raw string.
func ParseBoolOption(s string) bool {
	switch s {
	case "1", "t", "T", "true", "TRUE", "True", "yes", "y":
		return true
	default:
		return false
	}
}
