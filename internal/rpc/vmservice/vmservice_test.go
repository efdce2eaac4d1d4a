package vmservice

import (
	"context"
	"testing"

	rpcvms "github.com/cellmesh/agentd/internal/rpc/vms"
	domainvms "github.com/cellmesh/agentd/internal/vms"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeHandle struct{ addr string }

func (h *fakeHandle) Resume(context.Context) error    { return nil }
func (h *fakeHandle) Pause(context.Context) error     { return nil }
func (h *fakeHandle) Stop(context.Context, int) error { return nil }
func (h *fakeHandle) GuestSocketAddr() string         { return h.addr }

type fakeHypervisor struct{}

func (fakeHypervisor) Build(_ context.Context, _ string, spec domainvms.Spec) (domainvms.Handle, error) {
	return &fakeHandle{addr: spec.GuestAgentAddress}, nil
}

func newTestService() *Service {
	return New(domainvms.New(fakeHypervisor{}, nil), nil)
}

func TestAllocateRejectsMissingID(t *testing.T) {
	s := newTestService()
	_, err := s.Allocate(context.Background(), &rpcvms.VmServiceAllocateRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAllocateStartStopFreeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	resp, err := s.Allocate(ctx, &rpcvms.VmServiceAllocateRequest{
		Machine: rpcvms.Machine{ID: "v1", AuraedAddress: "10.0.0.2:9090"},
	})
	require.NoError(t, err)
	require.Equal(t, "v1", resp.VmID)

	list, err := s.List(ctx, &rpcvms.VmServiceListRequest{})
	require.NoError(t, err)
	require.Equal(t, []rpcvms.VmState{{VmID: "v1", State: "NotStarted"}}, list.Vms)

	_, err = s.Start(ctx, &rpcvms.VmServiceStartRequest{VmID: "v1"})
	require.NoError(t, err)

	list, err = s.List(ctx, &rpcvms.VmServiceListRequest{})
	require.NoError(t, err)
	require.Equal(t, "Running", list.Vms[0].State)

	_, err = s.Stop(ctx, &rpcvms.VmServiceStopRequest{VmID: "v1"})
	require.NoError(t, err)

	_, err = s.Stop(ctx, &rpcvms.VmServiceStopRequest{VmID: "v1"})
	require.Equal(t, codes.FailedPrecondition, status.Code(err), "stopping an already-stopped vm is a KillError")

	_, err = s.Free(ctx, &rpcvms.VmServiceFreeRequest{VmID: "v1"})
	require.NoError(t, err)

	_, err = s.Stop(ctx, &rpcvms.VmServiceStopRequest{VmID: "v1"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestAllocateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	_, err := s.Allocate(ctx, &rpcvms.VmServiceAllocateRequest{Machine: rpcvms.Machine{ID: "v1"}})
	require.NoError(t, err)
	_, err = s.Allocate(ctx, &rpcvms.VmServiceAllocateRequest{Machine: rpcvms.Machine{ID: "v1"}})
	require.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestStopAllThenFreeAll(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	_, err := s.Allocate(ctx, &rpcvms.VmServiceAllocateRequest{Machine: rpcvms.Machine{ID: "v1"}})
	require.NoError(t, err)
	_, err = s.Start(ctx, &rpcvms.VmServiceStartRequest{VmID: "v1"})
	require.NoError(t, err)

	s.StopAll(ctx)
	s.FreeAll(ctx)

	list, err := s.List(ctx, &rpcvms.VmServiceListRequest{})
	require.NoError(t, err)
	require.Empty(t, list.Vms)
}
