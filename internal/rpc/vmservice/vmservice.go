// Package vmservice is the VmService RPC facade: it validates
// incoming VM requests and drives the Vms registry directly. Unlike
// CellService, VmService requests are never forwarded - a VM id is
// itself the thing TargetRouter resolves *to*, so VmService has no
// ExecutionTarget of its own to dispatch on.
package vmservice

import (
	"context"

	"github.com/cellmesh/agentd/internal/rpc/rpcerrors"
	rpcvms "github.com/cellmesh/agentd/internal/rpc/vms"
	domainvms "github.com/cellmesh/agentd/internal/vms"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service implements rpcvms.VmServiceServer.
type Service struct {
	vms     *domainvms.Vms
	metrics *serviceMetric
	logger  *zap.Logger
}

var _ rpcvms.VmServiceServer = (*Service)(nil)

func New(vms *domainvms.Vms, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := newServiceMetric()
	if err != nil {
		logger.Warn("vmservice metrics disabled", zap.Error(err))
	}
	return &Service{vms: vms, metrics: metrics, logger: logger}
}

func toSpec(m rpcvms.Machine) domainvms.Spec {
	mounts := make([]domainvms.DriveMount, 0, len(m.DriveMounts))
	for _, d := range m.DriveMounts {
		mounts = append(mounts, domainvms.DriveMount{HostPath: d.HostPath, ReadOnly: d.IsReadOnly})
	}
	ifaces := make([]domainvms.NetworkInterface, 0, len(m.NetworkInterfaces))
	for _, n := range m.NetworkInterfaces {
		ifaces = append(ifaces, domainvms.NetworkInterface{MacAddress: n.MacAddress, HostDevName: n.HostDevName})
	}
	return domainvms.Spec{
		KernelImagePath:   m.KernelImgPath,
		KernelArgs:        m.KernelArgs,
		RootfsPath:        m.RootDrive.HostPath,
		RootfsReadOnly:    m.RootDrive.IsReadOnly,
		DriveMounts:       mounts,
		VcpuCount:         m.VcpuCount,
		MemSizeMB:         m.MemSizeMB,
		NetworkIfaces:     ifaces,
		GuestAgentAddress: m.AuraedAddress,
	}
}

func (s *Service) Allocate(ctx context.Context, req *rpcvms.VmServiceAllocateRequest) (*rpcvms.VmServiceAllocateResponse, error) {
	if req.Machine.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "vmservice: machine id required")
	}
	if _, err := s.vms.Allocate(ctx, req.Machine.ID, toSpec(req.Machine)); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	s.metrics.vmAllocated(ctx)
	return &rpcvms.VmServiceAllocateResponse{VmID: req.Machine.ID}, nil
}

func (s *Service) Free(ctx context.Context, req *rpcvms.VmServiceFreeRequest) (*rpcvms.VmServiceFreeResponse, error) {
	if err := s.vms.Free(ctx, req.VmID, 0); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	s.metrics.vmFreed(ctx)
	return &rpcvms.VmServiceFreeResponse{}, nil
}

func (s *Service) Start(ctx context.Context, req *rpcvms.VmServiceStartRequest) (*rpcvms.VmServiceStartResponse, error) {
	if err := s.vms.Start(ctx, req.VmID); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	return &rpcvms.VmServiceStartResponse{}, nil
}

func (s *Service) Stop(ctx context.Context, req *rpcvms.VmServiceStopRequest) (*rpcvms.VmServiceStopResponse, error) {
	if err := s.vms.Stop(ctx, req.VmID, 0); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	return &rpcvms.VmServiceStopResponse{}, nil
}

func (s *Service) List(ctx context.Context, _ *rpcvms.VmServiceListRequest) (*rpcvms.VmServiceListResponse, error) {
	states := s.vms.List()
	out := make([]rpcvms.VmState, 0, len(states))
	for id, state := range states {
		out = append(out, rpcvms.VmState{VmID: id, State: state.String()})
	}
	return &rpcvms.VmServiceListResponse{Vms: out}, nil
}

// StopAll broadcasts a best-effort stop to every registered VM, per
// the GracefulShutdown coordinator's contract.
func (s *Service) StopAll(ctx context.Context) {
	s.vms.StopAll(ctx)
}

// FreeAll releases every registered VM handle, unconditionally - run
// after StopAll regardless of whether it fully succeeded, so a
// hypervisor handle is never leaked.
func (s *Service) FreeAll(ctx context.Context) {
	s.vms.FreeAll(ctx)
}
