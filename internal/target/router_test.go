package target

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cellmesh/agentd/internal/cells"
	"github.com/cellmesh/agentd/internal/cgroups"
	_ "github.com/cellmesh/agentd/internal/rpc/codec"
	"github.com/cellmesh/agentd/internal/vms"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeCgroupBackend struct{}

func (fakeCgroupBackend) Create(string, cgroups.Spec) error    { return nil }
func (fakeCgroupBackend) Configure(string, cgroups.Spec) error { return nil }
func (fakeCgroupBackend) KillAll(string) error                 { return nil }
func (fakeCgroupBackend) Destroy(string) error                 { return nil }
func (fakeCgroupBackend) Pids(string) ([]int, error)           { return nil, nil }

type fakeSpawner struct{ socket string }

func (s fakeSpawner) Spawn(cells.Name, cells.Spec, string) (*cells.NestedProcess, error) {
	return &cells.NestedProcess{Socket: s.socket}, nil
}
func (fakeSpawner) Stop(*cells.NestedProcess) error { return nil }

type fakeHandle struct{ addr string }

func (h *fakeHandle) Resume(context.Context) error    { return nil }
func (h *fakeHandle) Pause(context.Context) error     { return nil }
func (h *fakeHandle) Stop(context.Context, int) error { return nil }
func (h *fakeHandle) GuestSocketAddr() string         { return h.addr }

type fakeHypervisor struct{}

func (fakeHypervisor) Build(_ context.Context, _ string, spec vms.Spec) (vms.Handle, error) {
	return &fakeHandle{addr: spec.GuestAgentAddress}, nil
}

func newTestRegistries(t *testing.T) (*cells.Cells, *vms.Vms) {
	t.Helper()
	cellReg := cells.New(fakeCgroupBackend{}, fakeSpawner{socket: "/run/test/a/agent.sock"}, "/sys/fs/cgroup", nil)
	vmReg := vms.New(fakeHypervisor{}, nil)
	return cellReg, vmReg
}

func TestResolveLocal(t *testing.T) {
	r := New(nil, nil, nil, nil)
	resolved, err := r.Resolve(ExecutionTarget{})
	require.NoError(t, err)
	require.Equal(t, KindLocal, resolved.Kind)
}

func TestSynthesizeLegacyTarget(t *testing.T) {
	// Legacy cell_name only: synthesised into a cell target.
	got := SynthesizeLegacyTarget(ExecutionTarget{}, "a/b")
	require.Equal(t, ExecutionTarget{CellPath: "a/b"}, got)

	// A populated target wins over the legacy field.
	explicit := ExecutionTarget{VmID: "v1"}
	require.Equal(t, explicit, SynthesizeLegacyTarget(explicit, "a/b"))

	// Neither set stays local.
	require.True(t, SynthesizeLegacyTarget(ExecutionTarget{}, "").IsLocal())
}

func TestResolveCellConsumesFirstSegment(t *testing.T) {
	cellReg, _ := newTestRegistries(t)
	_, err := cellReg.Allocate(context.Background(), "a", cells.Spec{})
	require.NoError(t, err)

	r := New(cellReg, nil, nil, nil)
	resolved, err := r.Resolve(ExecutionTarget{CellPath: "a/b/c"})
	require.NoError(t, err)
	require.Equal(t, KindCell, resolved.Kind)
	require.Equal(t, "/run/test/a/agent.sock", resolved.Socket)
	require.Equal(t, "b/c", resolved.CellPath)

	// A single-segment path forwards with no remainder: the remote
	// agent handles the request locally.
	resolved, err = r.Resolve(ExecutionTarget{CellPath: "a"})
	require.NoError(t, err)
	require.Empty(t, resolved.CellPath)
}

func TestResolveCellUnknown(t *testing.T) {
	cellReg, _ := newTestRegistries(t)
	r := New(cellReg, nil, nil, nil)
	_, err := r.Resolve(ExecutionTarget{CellPath: "ghost/x"})
	require.ErrorIs(t, err, cells.ErrCellNotFound)
}

func TestResolveVm(t *testing.T) {
	ctx := context.Background()
	cellReg, vmReg := newTestRegistries(t)
	_, err := vmReg.Allocate(ctx, "v1", vms.Spec{GuestAgentAddress: "10.0.0.2:8080"})
	require.NoError(t, err)

	r := New(cellReg, vmReg, nil, nil)

	// Not Running yet: the guest socket is not observable.
	_, err = r.Resolve(ExecutionTarget{VmID: "v1"})
	require.ErrorIs(t, err, vms.ErrVmNotRunning)

	require.NoError(t, vmReg.Start(ctx, "v1"))
	resolved, err := r.Resolve(ExecutionTarget{VmID: "v1", CellPath: "x/y"})
	require.NoError(t, err)
	require.Equal(t, KindVm, resolved.Kind)
	require.Equal(t, "10.0.0.2:8080", resolved.Socket)
	// The cell path rides through untouched for the in-VM agent.
	require.Equal(t, "x/y", resolved.CellPath)

	_, err = r.Resolve(ExecutionTarget{VmID: "ghost"})
	require.ErrorIs(t, err, vms.ErrVmNotFound)
}

type fakeRequest struct {
	CellName string
	Target   *ExecutionTarget
}

func (r *fakeRequest) ClearExecutionTarget() { r.Target = nil }
func (r *fakeRequest) SetCellName(p string)  { r.CellName = p }

func TestRewriteStripsTargetAndSetsCellName(t *testing.T) {
	req := &fakeRequest{CellName: "a/b/c", Target: &ExecutionTarget{CellPath: "a/b/c"}}
	Rewrite(req, "b/c")
	require.Nil(t, req.Target)
	require.Equal(t, "b/c", req.CellName)
}

func TestTransientCallClassification(t *testing.T) {
	require.True(t, isTransientCallError(status.Error(codes.Unknown, "transport error")))
	require.False(t, isTransientCallError(status.Error(codes.Unknown, "something else")))
	require.False(t, isTransientCallError(status.Error(codes.Unavailable, "transport error")))
	require.False(t, isTransientCallError(context.Canceled))
}

func TestForwardLocalNeverDials(t *testing.T) {
	r := New(nil, nil, nil, nil)
	dials := 0
	r.dial = func(context.Context, string, credentials.TransportCredentials) (*grpc.ClientConn, error) {
		dials++
		return nil, nil
	}
	_, err := r.Forward(context.Background(), Resolved{Kind: KindLocal}, nil)
	require.ErrorIs(t, err, ErrResolvedLocal)
	require.Zero(t, dials)
}

func TestForwardVmWithoutCertMaterial(t *testing.T) {
	r := New(nil, nil, nil, nil)
	_, err := r.Forward(context.Background(), Resolved{Kind: KindVm, Socket: "10.0.0.2:8080"}, nil)
	require.ErrorIs(t, err, ErrMissingCertMaterial)
}

// echo is a minimal single-method service for exercising Forward over
// a real grpc connection without dragging in the CellService types.
type echoRequest struct {
	Msg string `json:"msg"`
}

type echoResponse struct {
	Msg string `json:"msg"`
}

type echoService interface {
	Echo(ctx context.Context, req *echoRequest) (*echoResponse, error)
}

type echoServer struct {
	mu        sync.Mutex
	calls     int
	failFirst error
	permanent error
}

func (s *echoServer) Echo(_ context.Context, req *echoRequest) (*echoResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.permanent != nil {
		return nil, s.permanent
	}
	if s.failFirst != nil && s.calls == 1 {
		return nil, s.failFirst
	}
	return &echoResponse{Msg: req.Msg}, nil
}

func echoHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(echoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(echoService).Echo(ctx, in)
}

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: "cellmesh.test.Echo",
	HandlerType: (*echoService)(nil),
	Methods:     []grpc.MethodDesc{{MethodName: "Echo", Handler: echoHandler}},
	Streams:     []grpc.StreamDesc{},
}

func fastPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 250 * time.Millisecond
	return backoff.WithContext(b, ctx)
}

func newEchoRouter(t *testing.T, impl *echoServer) *Router {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&echoServiceDesc, impl)
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	r := New(nil, nil, nil, nil)
	r.newPolicy = fastPolicy
	r.dial = func(ctx context.Context, _ string, _ credentials.TransportCredentials) (*grpc.ClientConn, error) {
		return grpc.DialContext(ctx, "passthrough:///bufnet", //nolint:staticcheck
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}
	return r
}

func echoCall(msg string) func(ctx context.Context, conn *grpc.ClientConn) (any, error) {
	return func(ctx context.Context, conn *grpc.ClientConn) (any, error) {
		out := new(echoResponse)
		if err := conn.Invoke(ctx, "/cellmesh.test.Echo/Echo", &echoRequest{Msg: msg}, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func TestForwardInvokesRemote(t *testing.T) {
	impl := &echoServer{}
	r := newEchoRouter(t, impl)

	res, err := r.Forward(context.Background(), Resolved{Kind: KindCell, Socket: "/run/test/a/agent.sock"}, echoCall("ping"))
	require.NoError(t, err)
	require.Equal(t, "ping", res.(*echoResponse).Msg)
	require.Equal(t, 1, impl.calls)
}

func TestForwardRetriesTransientTransportError(t *testing.T) {
	impl := &echoServer{failFirst: status.Error(codes.Unknown, "transport error")}
	r := newEchoRouter(t, impl)

	res, err := r.Forward(context.Background(), Resolved{Kind: KindCell, Socket: "/run/test/a/agent.sock"}, echoCall("again"))
	require.NoError(t, err)
	require.Equal(t, "again", res.(*echoResponse).Msg)
	require.Equal(t, 2, impl.calls)
}

func TestForwardPermanentErrorNotRetried(t *testing.T) {
	impl := &echoServer{permanent: status.Error(codes.InvalidArgument, "bad cell name")}
	r := newEchoRouter(t, impl)

	_, err := r.Forward(context.Background(), Resolved{Kind: KindCell, Socket: "/run/test/a/agent.sock"}, echoCall("nope"))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, 1, impl.calls)
}

func TestForwardDialExhaustionSurfacesUnavailable(t *testing.T) {
	r := New(nil, nil, nil, nil)
	r.newPolicy = fastPolicy
	dials := 0
	r.dial = func(context.Context, string, credentials.TransportCredentials) (*grpc.ClientConn, error) {
		dials++
		return nil, &net.OpError{Op: "dial", Net: "unix", Err: syscall.ECONNREFUSED}
	}

	_, err := r.Forward(context.Background(), Resolved{Kind: KindCell, Socket: "/run/test/gone.sock"}, echoCall("x"))
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.Greater(t, dials, 1, "connection errors must be retried before giving up")
}
