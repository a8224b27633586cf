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

// Package device discovers the local block device backing a SCSI disk
// attached by the hypervisor, by WWN.
package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	pollInterval = 50 * time.Millisecond
	pollDeadline = 10 * time.Second

	sysfsSCSIDevices = "/sys/bus/scsi/devices"
	wwidPrefix       = "naa."
	vendorQEMU       = "qemu"
)

// Discoverer locates a block device by the WWN the hypervisor assigned it
// at attach-time. Its sysfs root is overridable for tests.
type Discoverer struct {
	SysfsSCSIDevices string
}

// New returns a Discoverer rooted at the real sysfs tree.
func New() *Discoverer {
	return &Discoverer{SysfsSCSIDevices: sysfsSCSIDevices}
}

// DiscoverByWWN polls sysfs for a QEMU-vendored SCSI device whose wwid
// matches wwn, returning its device node path. It polls every 50ms up to a
// 10s deadline (200 attempts) before failing with DeadlineExceeded.
func (d *Discoverer) DiscoverByWWN(ctx context.Context, wwn string) (string, error) {
	root := d.SysfsSCSIDevices
	if root == "" {
		root = sysfsSCSIDevices
	}

	deadline := time.Now().Add(pollDeadline)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if dev, ok := scanOnce(root, wwn); ok {
			return dev, nil
		}

		if time.Now().After(deadline) {
			return "", status.Errorf(codes.DeadlineExceeded,
				"no block device found for wwn %s within %s", wwn, pollDeadline)
		}

		select {
		case <-ctx.Done():
			return "", status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

// scanOnce performs a single pass over the sysfs SCSI device tree.
func scanOnce(root, wwn string) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}

	for _, entry := range entries {
		devDir := filepath.Join(root, entry.Name())

		vendor, err := readTrimmed(filepath.Join(devDir, "vendor"))
		if err != nil || !strings.EqualFold(vendor, vendorQEMU) {
			continue
		}

		wwid, err := readTrimmed(filepath.Join(devDir, "wwid"))
		if err != nil || !strings.HasPrefix(wwid, wwidPrefix) {
			continue
		}

		if strings.TrimPrefix(wwid, wwidPrefix) != wwn {
			continue
		}

		blockDir := filepath.Join(devDir, "block")
		names, err := os.ReadDir(blockDir)
		if err != nil || len(names) == 0 {
			continue
		}

		return "/dev/" + names[0].Name(), true
	}

	return "", false
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec:G304, fixed sysfs path under a device directory.
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}

// WWNFromDevicePath extracts the WWN hex string from a publish-context
// device path of the form "/dev/disk/by-id/wwn-0x<hex>".
func WWNFromDevicePath(devicePath string) (string, error) {
	const marker = "wwn-0x"
	idx := strings.Index(devicePath, marker)
	if idx < 0 {
		return "", fmt.Errorf("device path %q does not contain %q", devicePath, marker)
	}

	return devicePath[idx+len(marker):], nil
}
