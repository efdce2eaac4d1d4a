// Package shutdown implements the GracefulShutdown coordinator: a
// single-shot listener for SIGTERM/SIGINT that marks the health
// service not-serving, broadcasts shutdown to every subscriber, waits
// for them to drain, then drains the Cells and Vms registries in the
// order the spec's shutdown contract requires.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cellsrpc "github.com/cellmesh/agentd/internal/rpc/cells"
	"github.com/cellmesh/agentd/internal/rpc/cellservice"
	rpcvms "github.com/cellmesh/agentd/internal/rpc/vms"
	"github.com/cellmesh/agentd/internal/rpc/vmservice"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CellStopper and VmStopper are the narrow slices of the two service
// facades GracefulShutdown depends on, so tests can supply fakes
// without standing up real registries.
type CellStopper interface {
	StopAll(ctx context.Context) error
	FreeAll(ctx context.Context)
}

type VmStopper interface {
	StopAll(ctx context.Context)
	FreeAll(ctx context.Context)
}

var (
	_ CellStopper = (*cellservice.Service)(nil)
	_ VmStopper   = (*vmservice.Service)(nil)
)

// GracefulShutdown is a single-shot coordinator: Wait must be called
// exactly once and blocks until the first SIGTERM/SIGINT (or the
// supplied context is cancelled), then drains the agent in the order
// construction implies it was built: executables, then cells, then
// VMs.
type GracefulShutdown struct {
	health  *health.Server
	cells   CellStopper
	vms     VmStopper
	logger  *zap.Logger

	mu         sync.Mutex
	shutdownCh chan struct{}
	closed     bool
	subscriber sync.WaitGroup
}

// New wires the coordinator to the two service facades it drains and
// the grpc health server it marks not-serving on shutdown.
func New(healthServer *health.Server, cells CellStopper, vms VmStopper, logger *zap.Logger) *GracefulShutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GracefulShutdown{
		health:     healthServer,
		cells:      cells,
		vms:        vms,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Subscribe registers interest in the shutdown broadcast. The returned
// channel closes the instant shutdown begins; the caller MUST invoke
// done once it has finished reacting (dropping any resources that
// shutdown's drain order depends on having already released) - Wait
// blocks on every subscriber calling done before draining the
// registries, mirroring the source's "wait for all subscribers to
// drop" semantics.
func (g *GracefulShutdown) Subscribe() (ch <-chan struct{}, done func()) {
	g.subscriber.Add(1)
	var once sync.Once
	return g.shutdownCh, func() { once.Do(g.subscriber.Done) }
}

// Wait blocks until SIGTERM, SIGINT, or ctx.Done(), then runs the
// shutdown sequence exactly once and returns. Errors at each step are
// logged, never returned - the coordinator always completes so the
// caller can exit 0.
func (g *GracefulShutdown) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.drain(ctx)
}

func (g *GracefulShutdown) drain(ctx context.Context) {
	if g.health != nil {
		g.health.SetServingStatus(cellsrpc.CellService_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		g.health.SetServingStatus(rpcvms.VmService_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.shutdownCh)
	}
	g.mu.Unlock()
	g.subscriber.Wait()

	if err := g.cells.StopAll(ctx); err != nil {
		g.logger.Error("stop all executables on shutdown failed", zap.Error(err))
	} else {
		g.cells.FreeAll(ctx)
	}

	// VMs are always freed, even if stopping failed - a leaked
	// hypervisor handle is worse than a VM that was already dead.
	g.vms.StopAll(ctx)
	g.vms.FreeAll(ctx)
}
