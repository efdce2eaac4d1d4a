// Command agentd is the node agent entrypoint: it wires the Cells and
// Vms registries, the CellService/VmService RPC facades, the
// TargetRouter, and the GracefulShutdown coordinator onto a grpc
// server listening on a Unix-domain socket, then blocks until
// SIGTERM/SIGINT drains it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"

	domaincells "github.com/cellmesh/agentd/internal/cells"
	"github.com/cellmesh/agentd/internal/cgroups"
	"github.com/cellmesh/agentd/internal/executables"
	"github.com/cellmesh/agentd/internal/logging"
	"github.com/cellmesh/agentd/internal/observe"
	_ "github.com/cellmesh/agentd/internal/rpc/codec"
	cellsrpc "github.com/cellmesh/agentd/internal/rpc/cells"
	"github.com/cellmesh/agentd/internal/rpc/cellservice"
	rpcvms "github.com/cellmesh/agentd/internal/rpc/vms"
	"github.com/cellmesh/agentd/internal/rpc/vmservice"
	"github.com/cellmesh/agentd/internal/shutdown"
	"github.com/cellmesh/agentd/internal/target"
	"github.com/cellmesh/agentd/internal/telemetry"
	domainvms "github.com/cellmesh/agentd/internal/vms"

	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "agentd"

func main() {
	var (
		socketPath = flag.String("socket", "/run/agentd/agent.sock", "path of the Unix-domain socket the RPC server listens on")
		runtimeDir = flag.String("runtime-dir", "/run/agentd", "per-agent runtime directory for nested cell sockets")
		cgroupRoot = flag.String("cgroup-root", "/sys/fs/cgroup", "cgroup-v2 mountpoint this agent manages subtrees under")
		nested     = flag.Bool("nested", false, "set when this process is itself a cell's nested agent instance")
		pkiDir     = flag.String("pki-dir", "/etc/agentd/pki", "directory holding ca.crt, client.crt, client.key for VM forwarding mTLS")
		isLocal    = flag.Bool("local", os.Getenv("AGENTD_ENV") != "production", "enable development-friendly logging/tracing defaults")
	)
	flag.Parse()
	_ = nested // recorded for operational clarity; behavior does not currently branch on it

	logger, err := logging.New(*isLocal)
	if err != nil {
		panic(fmt.Errorf("build logger: %w", err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		logger.Fatal("init telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	observeSvc := observe.NewInMemory()
	execs := executables.New(logger, observeSvc)

	cgroupBackend := cgroups.NewLinuxBackend(*cgroupRoot, logger)
	spawner := &domaincells.LinuxNestedSpawner{
		AgentBinary: mustSelfPath(),
		RuntimeDir:  *runtimeDir,
		Logger:      logger,
	}
	cells := domaincells.New(cgroupBackend, spawner, *cgroupRoot, logger)

	hypervisor := &domainvms.FirecrackerBackend{RuntimeDir: *runtimeDir}
	vms := domainvms.New(hypervisor, logger)

	certs := loadCertMaterial(*pkiDir, logger)
	router := target.New(cells, vms, certs, logger)

	cellSvc := cellservice.New(cells, execs, router, logger)
	vmSvc := vmservice.New(vms, logger)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(cellsrpc.CellService_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(rpcvms.VmService_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			grpc_zap.UnaryServerInterceptor(logger),
			recovery.UnaryServerInterceptor(),
		),
	)
	grpcServer.RegisterService(&cellsrpc.CellService_ServiceDesc, cellSvc)
	grpcServer.RegisterService(&rpcvms.VmService_ServiceDesc, vmSvc)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	if err := os.MkdirAll(dirOf(*socketPath), 0o750); err != nil {
		logger.Fatal("create socket directory", zap.Error(err))
	}
	_ = os.Remove(*socketPath) // stale socket from a previous crash
	lis, err := net.Listen("unix", *socketPath)
	if err != nil {
		logger.Fatal("listen on socket", zap.String("socket", *socketPath), zap.Error(err))
	}

	logger.Info("agentd listening", zap.String("socket", *socketPath))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc serve exited", zap.Error(err))
		}
	}()

	coordinator := shutdown.New(healthSrv, cellSvc, vmSvc, logger)
	coordinator.Wait(ctx)

	logger.Info("draining grpc server")
	grpcServer.GracefulStop()
	os.Exit(0)
}

// loadCertMaterial reads the client mTLS material the TargetRouter
// presents when dialing a VM's guest agent. A missing PKI directory is
// not fatal: the agent still serves cell traffic, and VM forwarding
// fails per-request until material is provisioned.
func loadCertMaterial(pkiDir string, logger *zap.Logger) *target.CertMaterial {
	ca, errCA := os.ReadFile(filepath.Join(pkiDir, "ca.crt"))
	cert, errCert := os.ReadFile(filepath.Join(pkiDir, "client.crt"))
	key, errKey := os.ReadFile(filepath.Join(pkiDir, "client.key"))
	if err := errors.Join(errCA, errCert, errKey); err != nil {
		logger.Warn("pki material not loaded, vm forwarding disabled",
			zap.String("pki_dir", pkiDir), zap.Error(err))
		return nil
	}
	return &target.CertMaterial{CACert: ca, ClientCert: cert, ClientKey: key}
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return "."
	}
	return path[:i]
}

func mustSelfPath() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
