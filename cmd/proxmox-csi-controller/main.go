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

// Command proxmox-csi-controller runs the CSI Controller + Identity
// services: CreateVolume/DeleteVolume/ControllerPublishVolume/
// ControllerUnpublishVolume/ControllerExpandVolume. It ships as its own
// daemon, separate from the per-node binary.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/proxmoxdriver"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"

	"k8s.io/klog/v2"
)

var conf util.Config

func init() {
	flag.StringVar(&conf.Endpoint, "endpoint", envOr("CSI_ENDPOINT", "unix:///csi/csi.sock"), "CSI endpoint")
	flag.StringVar(&conf.DriverName, "drivername", util.DriverName, "name of the driver")
	flag.StringVar(&conf.NodeID, "nodeid", "", "identifier reported by the CO for this controller instance")
	flag.StringVar(&conf.CloudConfig, "cloud-config", envOr("CLOUD_CONFIG", "/etc/proxmox/config.yaml"), "path to the hypervisor cluster configuration YAML")

	flag.StringVar(&conf.MetricsPath, "metricspath", "/metrics", "path of the prometheus endpoint where metrics will be available")
	flag.StringVar(&conf.MetricsAddress, "metricsaddress", "", "TCP address for metrics/liveness requests")
	flag.BoolVar(&conf.EnableGRPCMetrics, "enablegrpcmetrics", false, "enable grpc metrics")
	flag.StringVar(&conf.HistogramOption, "histogramoption", "0.5,2,6",
		"histogram option for grpc metrics, comma separated as start,factor,count")
	flag.DurationVar(&conf.RPCTimeout, "rpc-timeout", 55*time.Second, "deadline applied to every incoming CSI RPC")

	flag.BoolVar(&conf.Version, "version", false, "print version information and exit")

	klog.InitFlags(nil)
	if err := flag.Set("logtostderr", "true"); err != nil {
		klog.Exitf("failed to set logtostderr flag: %v", err)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := flag.Set("v", lvl); err != nil {
			klog.Exitf("invalid LOG_LEVEL %q: %v", lvl, err)
		}
	}
	flag.Parse()
}

// envOr returns the value of the environment variable key, or def when it
// is unset or empty.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func main() {
	if conf.Version {
		fmt.Println("proxmox-csi-controller version:", util.DriverVersion)
		fmt.Println("Git Commit:", util.GitCommit)
		fmt.Println("Go Version:", runtime.Version())
		fmt.Println("Compiler:", runtime.Compiler)
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if conf.NodeID == "" {
		klog.Fatalln("nodeid is required")
	}

	conf.IsControllerServer = true
	conf.IsNodeServer = false

	klog.V(1).Infof("Driver version: %s and Git version: %s", util.DriverVersion, util.GitCommit)

	driver := proxmoxdriver.NewDriver()
	if err := driver.Run(&conf); err != nil {
		klog.Fatalln(err)
	}

	os.Exit(0)
}
