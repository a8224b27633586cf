/*
Copyright 2017 The Kubernetes Authors.

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

package csicommon

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/filesystem"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/internal/util/log"

	"github.com/container-storage-interface/spec/lib/go/csi"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/kubernetes-csi/csi-lib-utils/protosanitizer"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
	mount "k8s.io/mount-utils"
)

func parseEndpoint(ep string) (string, string, error) {
	if strings.HasPrefix(strings.ToLower(ep), "unix://") || strings.HasPrefix(strings.ToLower(ep), "tcp://") {
		s := strings.SplitN(ep, "://", 2)
		if s[1] != "" {
			return s[0], s[1], nil
		}
	}

	return "", "", fmt.Errorf("invalid endpoint: %v", ep)
}

// NewVolumeCapabilityAccessMode returns a volume access mode wrapper.
func NewVolumeCapabilityAccessMode(mode csi.VolumeCapability_AccessMode_Mode) *csi.VolumeCapability_AccessMode {
	return &csi.VolumeCapability_AccessMode{Mode: mode}
}

// NewDefaultNodeServer initializes a default node server.
func NewDefaultNodeServer(d *CSIDriver, topology map[string]string) *DefaultNodeServer {
	d.topology = topology

	return &DefaultNodeServer{
		Driver:  d,
		Mounter: mount.New(""),
	}
}

// NewDefaultIdentityServer initializes a default identity server.
func NewDefaultIdentityServer(d *CSIDriver) *DefaultIdentityServer {
	return &DefaultIdentityServer{
		Driver: d,
	}
}

// NewDefaultControllerServer initializes a default controller server.
func NewDefaultControllerServer(d *CSIDriver) *DefaultControllerServer {
	return &DefaultControllerServer{
		Driver: d,
	}
}

// NewControllerServiceCapability returns a controller capability wrapper.
func NewControllerServiceCapability(ctrlCap csi.ControllerServiceCapability_RPC_Type) *csi.ControllerServiceCapability {
	return &csi.ControllerServiceCapability{
		Type: &csi.ControllerServiceCapability_Rpc{
			Rpc: &csi.ControllerServiceCapability_RPC{
				Type: ctrlCap,
			},
		},
	}
}

// MiddlewareServerOptionConfig carries configuration parameters passed to
// the interceptors instantiated when starting a gRPC server.
type MiddlewareServerOptionConfig struct {
	// RPCTimeout bounds each RPC handler; zero disables the deadline.
	RPCTimeout time.Duration
}

// NewMiddlewareServerOption builds the interceptor chain: request-ID
// injection, call logging, worker-pool bound, per-RPC deadline, panic
// recovery.
func NewMiddlewareServerOption(config MiddlewareServerOptionConfig) grpc.ServerOption {
	middleWare := []grpc.UnaryServerInterceptor{
		contextIDInjector,
		logGRPC,
		newWorkerPoolLimiter(workerPoolSize),
	}

	if config.RPCTimeout > 0 {
		middleWare = append(middleWare, newDeadlineInterceptor(config.RPCTimeout))
	}

	middleWare = append(middleWare, panicHandler)

	return grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(middleWare...))
}

// newWorkerPoolLimiter bounds the number of RPC handlers executing
// concurrently to size. Requests beyond the bound queue on the semaphore
// rather than being rejected.
func newWorkerPoolLimiter(size int) grpc.UnaryServerInterceptor {
	sem := make(chan struct{}, size)

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		sem <- struct{}{}
		defer func() { <-sem }()

		return handler(ctx, req)
	}
}

// newDeadlineInterceptor attaches a bounded context.Context to every RPC,
// so hypervisor HTTP calls and subprocess invocations threaded through ctx
// cannot wedge a worker indefinitely.
func newDeadlineInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func getReqID(req interface{}) string {
	reqID := ""
	switch r := req.(type) {
	case *csi.CreateVolumeRequest:
		reqID = r.GetName()
	case *csi.DeleteVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.ControllerPublishVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.ControllerUnpublishVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.ControllerExpandVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.NodeStageVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.NodeUnstageVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.NodePublishVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.NodeUnpublishVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.NodeExpandVolumeRequest:
		reqID = r.GetVolumeId()
	case *csi.NodeGetVolumeStatsRequest:
		reqID = r.GetVolumeId()
	}

	return reqID
}

var id uint64

func contextIDInjector(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	atomic.AddUint64(&id, 1)
	ctx = context.WithValue(ctx, log.CtxKey, id)
	if reqID := getReqID(req); reqID != "" {
		ctx = context.WithValue(ctx, log.ReqID, reqID)
	}

	return handler(ctx, req)
}

func logGRPC(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	log.ExtendedLog(ctx, "GRPC call: %s", info.FullMethod)
	log.TraceLog(ctx, "GRPC request: %s", protosanitizer.StripSecrets(req))

	resp, err := handler(ctx, req)
	if err != nil {
		klog.Errorf(log.Log(ctx, "GRPC error: %v"), err)
	} else {
		log.TraceLog(ctx, "GRPC response: %s", protosanitizer.StripSecrets(resp))
	}

	return resp, err
}

//nolint:nonamedreturns // named return used to send recovered panic error.
func panicHandler(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("panic occurred: %v", r)
			debug.PrintStack()
			err = status.Errorf(codes.Internal, "panic %v", r)
		}
	}()

	return handler(ctx, req)
}

// FilesystemNodeGetVolumeStats returns byte and inode usage for a mounted
// file-mode volume, via statfs(2).
func FilesystemNodeGetVolumeStats(
	ctx context.Context,
	mounter mount.Interface,
	targetPath string,
	includeInodes bool,
) (*csi.NodeGetVolumeStatsResponse, error) {
	isMnt, err := filesystem.IsMountPoint(mounter, targetPath)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !isMnt {
		return nil, status.Errorf(codes.InvalidArgument, "targetpath %s is not mounted", targetPath)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(targetPath, &stat); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to statfs %s: %v", targetPath, err)
	}

	blockSize := int64(stat.Bsize) //nolint:unconvert // Bsize's width varies by GOARCH.
	capacity := int64(stat.Blocks) * blockSize
	available := int64(stat.Bavail) * blockSize
	used := capacity - int64(stat.Bfree)*blockSize

	res := &csi.NodeGetVolumeStatsResponse{
		Usage: []*csi.VolumeUsage{
			{
				Available: requirePositive(available),
				Total:     requirePositive(capacity),
				Used:      requirePositive(used),
				Unit:      csi.VolumeUsage_BYTES,
			},
		},
	}

	if includeInodes {
		inodes := int64(stat.Files)
		inodesFree := int64(stat.Ffree)
		inodesUsed := inodes - inodesFree

		res.Usage = append(res.Usage, &csi.VolumeUsage{
			Available: requirePositive(inodesFree),
			Total:     requirePositive(inodes),
			Used:      requirePositive(inodesUsed),
			Unit:      csi.VolumeUsage_INODES,
		})
	}

	log.DebugLog(ctx, "volume stats for %s: capacity=%d available=%d used=%d", targetPath, capacity, available, used)

	return res, nil
}

// requirePositive returns x when it is >= 0, else 0: the CSI spec does not
// allow negative values in VolumeUsage entries.
func requirePositive(x int64) int64 {
	if x >= 0 {
		return x
	}

	return 0
}
