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

// Package proxmoxdriver wires the CSI Identity/Controller/Node services to
// the hypervisor orchestration engine and starts the gRPC server.
package proxmoxdriver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	csicommon "github.com/adi/proxmox-shared-lvm-csi-plugin/internal/csi-common"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util/log"

	"github.com/container-storage-interface/spec/lib/go/csi"
)

// shutdownDrainTimeout bounds how long a graceful stop waits for in-flight
// RPCs to finish before the server is stopped forcibly.
const shutdownDrainTimeout = 10 * time.Second

// Driver is the top-level object a cmd/ entrypoint constructs and runs.
type Driver struct {
	cd *csicommon.CSIDriver

	ids *IdentityServer
	cs  *ControllerServer
	ns  *NodeServer
}

// NewDriver returns an uninitialized Driver; call Run to configure and
// start it.
func NewDriver() *Driver {
	return &Driver{}
}

// Run configures and starts the driver process described by conf. Exactly
// one of conf.IsControllerServer / conf.IsNodeServer is expected to be set
// by the owning cmd/ entrypoint: the controller and node run as separate
// binaries, each built from this same package.
func (fs *Driver) Run(conf *util.Config) error {
	fs.cd = csicommon.NewCSIDriver(conf.DriverName, util.DriverVersion, conf.NodeID)
	if fs.cd == nil {
		return fmt.Errorf("failed to initialize CSI driver")
	}

	fs.cd.AddControllerServiceCapabilities([]csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
	})
	// Only SINGLE_NODE_WRITER is advertised: concurrent multi-writer access
	// to one volume is a non-goal.
	fs.cd.AddVolumeCapabilityAccessModes([]csi.VolumeCapability_AccessMode_Mode{
		csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
	})

	fs.ids = NewIdentityServer(fs.cd)

	srv := csicommon.Servers{IS: fs.ids}

	if conf.IsControllerServer {
		clusterConf, err := util.LoadClusterConfig(conf.CloudConfig)
		if err != nil {
			return fmt.Errorf("failed to load cluster config: %w", err)
		}
		clients := NewClientSet(clusterConf, DefaultClientFactory)
		fs.cs = NewControllerServer(fs.cd, clients, clusterConf)
		srv.CS = fs.cs
	}

	if conf.IsNodeServer {
		fs.ns = NewNodeServer(fs.cd, map[string]string{})
		srv.NS = fs.ns
	}

	log.UsefulLog(context.TODO(), "starting %s, driver version %s", conf.DriverName, util.DriverVersion)

	if conf.EnableGRPCMetrics {
		csicommon.StartMetricsEndpoint(conf.MetricsAddress, conf.MetricsPath)
	}

	s := csicommon.NewNonBlockingGRPCServer()
	s.Start(conf.Endpoint, conf.HistogramOption, srv, conf.EnableGRPCMetrics, conf.RPCTimeout)

	go waitForShutdownSignal(s)

	s.Wait()

	return nil
}

// waitForShutdownSignal blocks until the process receives SIGTERM or
// SIGINT, then gracefully stops s, draining in-flight RPCs for up to
// shutdownDrainTimeout before forcing the server down.
func waitForShutdownSignal(s csicommon.NonBlockingGRPCServer) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	log.UsefulLog(context.TODO(), "received signal %s, draining in-flight RPCs", sig)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(shutdownDrainTimeout):
		log.UsefulLog(context.TODO(), "drain deadline exceeded, forcing shutdown")
		s.ForceStop()
	}
}
