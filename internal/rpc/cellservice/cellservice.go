// Package cellservice is the CellService RPC facade: it validates
// incoming requests, consults their ExecutionTarget, and either drives
// the local Cells/Executables registries or hands the request to the
// TargetRouter for forwarding.
package cellservice

import (
	"context"
	"os"
	"time"

	domaincells "github.com/cellmesh/agentd/internal/cells"
	"github.com/cellmesh/agentd/internal/cgroups"
	"github.com/cellmesh/agentd/internal/executables"
	cellsrpc "github.com/cellmesh/agentd/internal/rpc/cells"
	"github.com/cellmesh/agentd/internal/rpc/rpcerrors"
	"github.com/cellmesh/agentd/internal/target"
	"github.com/cellmesh/agentd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Service implements cellsrpc.CellServiceServer.
type Service struct {
	cells       *domaincells.Cells
	executables *executables.Executables
	router      *target.Router
	metrics     *serviceMetric
	logger      *zap.Logger
}

var _ cellsrpc.CellServiceServer = (*Service)(nil)

func New(cells *domaincells.Cells, execs *executables.Executables, router *target.Router, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := newServiceMetric()
	if err != nil {
		logger.Warn("cellservice metrics disabled", zap.Error(err))
	}
	return &Service{cells: cells, executables: execs, router: router, metrics: metrics, logger: logger}
}

func toControllerSpec(c cellsrpc.Cell) cgroups.Spec {
	spec := cgroups.Spec{}
	if c.Cpu != nil {
		spec.CPU = &cgroups.CPUController{Weight: c.Cpu.Weight, Max: c.Cpu.Max, Period: c.Cpu.Period}
	}
	if c.Cpuset != nil {
		spec.Cpuset = &cgroups.CpusetController{Cpus: c.Cpuset.Cpus, Mems: c.Cpuset.Mems}
	}
	if c.Memory != nil {
		spec.Memory = &cgroups.MemoryController{Min: c.Memory.Min, Low: c.Memory.Low, High: c.Memory.High, Max: c.Memory.Max}
	}
	return spec
}

func toCellSpec(c cellsrpc.Cell) domaincells.Spec {
	return domaincells.Spec{
		Cgroup: toControllerSpec(c),
		Isolation: domaincells.IsolationSpec{
			IsolateProcess: c.IsolateProcess,
			IsolateNetwork: c.IsolateNetwork,
		},
	}
}

func (s *Service) Allocate(ctx context.Context, req *cellsrpc.CellServiceAllocateRequest) (*cellsrpc.CellServiceAllocateResponse, error) {
	domainTarget := req.ParentTarget.ToDomain()
	if !domainTarget.IsLocal() {
		resolved, err := s.router.Resolve(domainTarget)
		if err != nil {
			return nil, rpcerrors.ToStatus(err)
		}
		result, err := s.router.Forward(ctx, resolved, func(ctx context.Context, conn *grpc.ClientConn) (any, error) {
			client := cellsrpc.NewCellServiceClient(conn)
			fwd := *req
			fwd.ParentTarget = nil
			return client.Allocate(ctx, &fwd)
		})
		if err != nil {
			telemetry.ReportCriticalError(ctx, err, attribute.String("target", string(resolved.CellPath)))
			return nil, rpcerrors.ToStatus(err)
		}
		return result.(*cellsrpc.CellServiceAllocateResponse), nil
	}

	name, err := domaincells.ValidateName(req.Cell.Name)
	if err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	if _, err := s.cells.Allocate(ctx, name, toCellSpec(req.Cell)); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	s.metrics.cellAllocated(ctx)
	return &cellsrpc.CellServiceAllocateResponse{CellName: string(name)}, nil
}

func (s *Service) Free(ctx context.Context, req *cellsrpc.CellServiceFreeRequest) (*cellsrpc.CellServiceFreeResponse, error) {
	domainTarget := req.ExecutionTarget.ToDomain()
	if !domainTarget.IsLocal() {
		resolved, err := s.router.Resolve(domainTarget)
		if err != nil {
			return nil, rpcerrors.ToStatus(err)
		}
		result, err := s.router.Forward(ctx, resolved, func(ctx context.Context, conn *grpc.ClientConn) (any, error) {
			client := cellsrpc.NewCellServiceClient(conn)
			fwd := *req
			// Unlike Start/Stop, cell_name is the operand of the free
			// call itself, not a forwarding hint - it survives the hop
			// unchanged, only the outer target is stripped.
			fwd.ExecutionTarget = nil
			return client.Free(ctx, &fwd)
		})
		if err != nil {
			telemetry.ReportCriticalError(ctx, err, attribute.String("target", string(resolved.CellPath)))
			return nil, rpcerrors.ToStatus(err)
		}
		return result.(*cellsrpc.CellServiceFreeResponse), nil
	}

	name, err := domaincells.ValidateName(req.CellName)
	if err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	if err := s.cells.Free(ctx, name); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	s.metrics.cellFreed(ctx)
	return &cellsrpc.CellServiceFreeResponse{}, nil
}

func (s *Service) Start(ctx context.Context, req *cellsrpc.CellServiceStartRequest) (*cellsrpc.CellServiceStartResponse, error) {
	domainTarget := target.SynthesizeLegacyTarget(req.ExecutionTarget.ToDomain(), req.CellName)
	if !domainTarget.IsLocal() {
		resolved, err := s.router.Resolve(domainTarget)
		if err != nil {
			return nil, rpcerrors.ToStatus(err)
		}
		result, err := s.router.Forward(ctx, resolved, func(ctx context.Context, conn *grpc.ClientConn) (any, error) {
			client := cellsrpc.NewCellServiceClient(conn)
			fwd := *req
			target.Rewrite(&fwd, resolved.CellPath)
			return client.Start(ctx, &fwd)
		})
		if err != nil {
			telemetry.ReportCriticalError(ctx, err, attribute.String("target", string(resolved.CellPath)))
			return nil, rpcerrors.ToStatus(err)
		}
		return result.(*cellsrpc.CellServiceStartResponse), nil
	}

	spec := executables.Spec{
		Name:       executables.Name(req.Executable.Name),
		Path:       req.Executable.Path,
		Args:       req.Executable.Args,
		WorkingDir: req.Executable.WorkingDir,
	}
	exe, err := s.executables.Start(ctx, spec, req.Executable.Uid, req.Executable.Gid)
	if err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	s.metrics.executableStarted(ctx)

	// The response echoes the credentials the child actually runs under:
	// the requested uid/gid, or this agent's own when unset.
	uid := uint32(os.Getuid())
	if req.Executable.Uid != nil {
		uid = *req.Executable.Uid
	}
	gid := uint32(os.Getgid())
	if req.Executable.Gid != nil {
		gid = *req.Executable.Gid
	}
	return &cellsrpc.CellServiceStartResponse{Pid: int32(exe.Pid()), Uid: uid, Gid: gid}, nil
}

func (s *Service) Stop(ctx context.Context, req *cellsrpc.CellServiceStopRequest) (*cellsrpc.CellServiceStopResponse, error) {
	domainTarget := target.SynthesizeLegacyTarget(req.ExecutionTarget.ToDomain(), req.CellName)
	if !domainTarget.IsLocal() {
		resolved, err := s.router.Resolve(domainTarget)
		if err != nil {
			return nil, rpcerrors.ToStatus(err)
		}
		result, err := s.router.Forward(ctx, resolved, func(ctx context.Context, conn *grpc.ClientConn) (any, error) {
			client := cellsrpc.NewCellServiceClient(conn)
			fwd := *req
			target.Rewrite(&fwd, resolved.CellPath)
			return client.Stop(ctx, &fwd)
		})
		if err != nil {
			telemetry.ReportCriticalError(ctx, err, attribute.String("target", string(resolved.CellPath)))
			return nil, rpcerrors.ToStatus(err)
		}
		return result.(*cellsrpc.CellServiceStopResponse), nil
	}

	stopStart := time.Now()
	if err := s.executables.Stop(ctx, executables.Name(req.ExecutableName)); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	s.metrics.executableStopped(ctx, time.Since(stopStart))
	return &cellsrpc.CellServiceStopResponse{}, nil
}

func (s *Service) List(ctx context.Context, req *cellsrpc.CellServiceListRequest) (*cellsrpc.CellServiceListResponse, error) {
	domainTarget := req.ExecutionTarget.ToDomain()
	if !domainTarget.IsLocal() {
		resolved, err := s.router.Resolve(domainTarget)
		if err != nil {
			return nil, rpcerrors.ToStatus(err)
		}
		result, err := s.router.Forward(ctx, resolved, func(ctx context.Context, conn *grpc.ClientConn) (any, error) {
			client := cellsrpc.NewCellServiceClient(conn)
			fwd := *req
			fwd.ExecutionTarget = nil
			return client.List(ctx, &fwd)
		})
		if err != nil {
			return nil, rpcerrors.ToStatus(err)
		}
		return result.(*cellsrpc.CellServiceListResponse), nil
	}

	roots := domaincells.GetAll(s.cells, cellToGraphNode)
	return &cellsrpc.CellServiceListResponse{Cells: roots}, nil
}

func cellToGraphNode(c *domaincells.Cell) cellsrpc.CellGraphNode {
	spec := c.Spec()
	node := cellsrpc.CellGraphNode{
		Cell: cellsrpc.Cell{
			Name:           string(c.Name()),
			IsolateProcess: spec.Isolation.IsolateProcess,
			IsolateNetwork: spec.Isolation.IsolateNetwork,
		},
	}
	for _, child := range c.Children() {
		node.Children = append(node.Children, cellToGraphNode(child))
	}
	return node
}

// StopAll broadcasts a graceful stop to every supervised executable,
// per the GracefulShutdown coordinator's contract. The returned error
// is an aggregate of per-executable failures; GracefulShutdown uses it
// to decide whether FreeAll is safe to run.
func (s *Service) StopAll(ctx context.Context) error {
	return s.executables.BroadcastStop(ctx)
}

// FreeAll frees every root cell, gracefully then forcefully.
func (s *Service) FreeAll(ctx context.Context) {
	s.cells.BroadcastFree(ctx)
	s.cells.BroadcastKill(ctx)
}
