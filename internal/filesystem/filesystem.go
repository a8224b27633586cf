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

// Package filesystem implements the format/mount/resize operations a worker
// VM performs on a just-attached block device. It blends k8s.io/mount-utils
// (format detection, the core mount/unmount syscalls, mountinfo parsing)
// with k8s.io/utils/exec for the pieces mount-utils has no primitive for:
// mkfs, fstrim-before-unmount, and resize2fs/xfs_growfs invocation.
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util/log"

	utilexec "k8s.io/utils/exec"
	mount "k8s.io/mount-utils"
)

// fstrimTimeout bounds the best-effort fstrim issued before unmount.
const fstrimTimeout = 30 * time.Second

type xfsReflinkState int

const (
	xfsReflinkUnset xfsReflinkState = iota
	xfsReflinkSupported
	xfsReflinkUnsupported
)

// xfsHasReflink caches the result of xfsSupportsReflink across calls: the
// answer depends only on the host's mkfs.xfs binary and never changes for
// the life of the process.
var xfsHasReflink = xfsReflinkUnset

// Filesystem performs format/mount/resize operations on worker-VM block
// devices and their mountpoints.
type Filesystem struct {
	Mounter mount.Interface
	Exec    utilexec.Interface
}

// New returns a Filesystem backed by the real mount table and host utilities.
func New() *Filesystem {
	return &Filesystem{
		Mounter: mount.New(""),
		Exec:    utilexec.New(),
	}
}

// CheckFilesystem reports the filesystem type found on device, or "" if
// device carries no recognizable signature.
func (f *Filesystem) CheckFilesystem(device string) (string, error) {
	safe := &mount.SafeFormatAndMount{Interface: f.Mounter, Exec: f.Exec}

	return safe.GetDiskFormat(device)
}

// Format invokes mkfs for fstype on device. Callers MUST have verified
// CheckFilesystem(device) == "" first; Format does not check again.
func (f *Filesystem) Format(ctx context.Context, device, fstype string) error {
	var args []string
	switch fstype {
	case "ext4":
		args = []string{"-F", "-m0", "-Enodiscard,lazy_itable_init=1,lazy_journal_init=1", device}
	case "xfs":
		args = []string{"-f", "-K", device}
		// always disable reflink: it complicates space accounting on a
		// thinly-provisioned backing disk and most kernels here predate
		// copy_file_range acceleration for it anyway.
		if f.xfsSupportsReflink() {
			args = append(args, "-m", "reflink=0")
		}
	default:
		return fmt.Errorf("unsupported filesystem type %q", fstype)
	}

	out, err := f.Exec.CommandContext(ctx, "mkfs."+fstype, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs.%s failed: %w: %s", fstype, err, string(out))
	}
	log.DebugLog(ctx, "formatted %s as %s", device, fstype)

	return nil
}

// xfsSupportsReflink probes whether the host's mkfs.xfs accepts the
// "-m reflink=0|1" option, by running it with no arguments and inspecting
// its usage error. The result is cached for the life of the process.
func (f *Filesystem) xfsSupportsReflink() bool {
	if xfsHasReflink != xfsReflinkUnset {
		return xfsHasReflink == xfsReflinkSupported
	}

	out, err := f.Exec.Command("mkfs.xfs").CombinedOutput()
	if err != nil && strings.Contains(string(out), "reflink=0|1") {
		xfsHasReflink = xfsReflinkSupported

		return true
	}

	xfsHasReflink = xfsReflinkUnsupported

	return false
}

// Mount mounts device at target with fstype and options, creating target as
// a directory first if needed.
func (f *Filesystem) Mount(device, target, fstype string, options []string) error {
	if err := util.CreateMountPoint(target); err != nil {
		return fmt.Errorf("failed to create mount target %s: %w", target, err)
	}

	return f.Mounter.Mount(device, target, fstype, options)
}

// BindMount bind-mounts source onto target. If source is a regular file (the
// raw block device node case), target's parent directory is created and
// target is touched as a file; otherwise target is created as a directory.
func (f *Filesystem) BindMount(source, target string, readonly bool) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("failed to stat bind-mount source %s: %w", source, err)
	}

	if info.Mode().IsRegular() {
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", target, err)
		}
		fh, err := os.OpenFile(target, os.O_CREATE, 0o640) // #nosec:G302, bind-mount target file.
		if err != nil {
			return fmt.Errorf("failed to create bind-mount target %s: %w", target, err)
		}
		fh.Close()
	} else if err := util.CreateMountPoint(target); err != nil {
		return fmt.Errorf("failed to create mount target %s: %w", target, err)
	}

	opts := []string{"bind"}
	if readonly {
		opts = append(opts, "ro")
	}

	return f.Mounter.Mount(source, target, "", opts)
}

// Unmount issues a best-effort fstrim against target (errors ignored, 30s
// timeout) and then unmounts it.
func (f *Filesystem) Unmount(ctx context.Context, target string) error {
	cctx, cancel := context.WithTimeout(ctx, fstrimTimeout)
	defer cancel()

	if out, err := f.Exec.CommandContext(cctx, "fstrim", "-v", target).CombinedOutput(); err != nil {
		log.DebugLog(ctx, "fstrim %s failed (ignored): %v: %s", target, err, string(out))
	}

	return f.Mounter.Unmount(target)
}

// Resize grows the filesystem on device, mounted at mountPath, in place.
// ext4 resizes the block device; xfs resizes by mountpoint.
func (f *Filesystem) Resize(ctx context.Context, device, mountPath, fstype string) error {
	var out []byte
	var err error
	switch fstype {
	case "ext4":
		out, err = f.Exec.CommandContext(ctx, "resize2fs", device).CombinedOutput()
	case "xfs":
		out, err = f.Exec.CommandContext(ctx, "xfs_growfs", mountPath).CombinedOutput()
	default:
		return fmt.Errorf("unsupported filesystem type %q", fstype)
	}
	if err != nil {
		return fmt.Errorf("resize of %s (%s) failed: %w: %s", device, fstype, err, string(out))
	}

	return nil
}

// IsMounted reports whether path is an active mountpoint, via an exact
// mountpoint comparison against /proc/mounts.
func (f *Filesystem) IsMounted(path string) (bool, error) {
	return IsMountPoint(f.Mounter, path)
}

// IsMountPoint reports whether path is an active mountpoint, by comparing
// path exactly against every mountpoint in mounter's mount table.
func IsMountPoint(mounter mount.Interface, path string) (bool, error) {
	mps, err := mounter.List()
	if err != nil {
		return false, err
	}

	for _, mp := range mps {
		if mp.Path == path {
			return true, nil
		}
	}

	return false, nil
}

// GetDeviceFromMount returns the source device backing the exact mountpoint
// mountPath, by parsing /proc/self/mountinfo.
func GetDeviceFromMount(mountPath string) (string, error) {
	infos, err := mount.ParseMountInfo("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("failed to read mountinfo: %w", err)
	}

	for _, info := range infos {
		if info.MountPoint == mountPath {
			return info.Source, nil
		}
	}

	return "", fmt.Errorf("no mount found at %s", mountPath)
}
