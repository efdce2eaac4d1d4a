package cellservice

import (
	"context"
	"os"
	"testing"

	domaincells "github.com/cellmesh/agentd/internal/cells"
	"github.com/cellmesh/agentd/internal/cgroups"
	"github.com/cellmesh/agentd/internal/executables"
	cellsrpc "github.com/cellmesh/agentd/internal/rpc/cells"
	"github.com/cellmesh/agentd/internal/target"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeCgroupBackend struct{}

func (fakeCgroupBackend) Create(string, cgroups.Spec) error    { return nil }
func (fakeCgroupBackend) Configure(string, cgroups.Spec) error { return nil }
func (fakeCgroupBackend) KillAll(string) error                 { return nil }
func (fakeCgroupBackend) Destroy(string) error                 { return nil }
func (fakeCgroupBackend) Pids(string) ([]int, error)           { return nil, nil }

type fakeSpawner struct{}

func (fakeSpawner) Spawn(domaincells.Name, domaincells.Spec, string) (*domaincells.NestedProcess, error) {
	return &domaincells.NestedProcess{}, nil
}
func (fakeSpawner) Stop(*domaincells.NestedProcess) error { return nil }

func newTestService() *Service {
	cells := domaincells.New(fakeCgroupBackend{}, fakeSpawner{}, "/sys/fs/cgroup", nil)
	execs := executables.New(nil, nil)
	router := target.New(cells, nil, nil, nil)
	return New(cells, execs, router, nil)
}

func TestAllocateFreeLocalLifecycle(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	resp, err := s.Allocate(ctx, &cellsrpc.CellServiceAllocateRequest{Cell: cellsrpc.Cell{Name: "ae-test"}})
	require.NoError(t, err)
	require.Equal(t, "ae-test", resp.CellName)

	list, err := s.List(ctx, &cellsrpc.CellServiceListRequest{})
	require.NoError(t, err)
	require.Len(t, list.Cells, 1)
	require.Equal(t, "ae-test", list.Cells[0].Cell.Name)

	_, err = s.Free(ctx, &cellsrpc.CellServiceFreeRequest{CellName: "ae-test"})
	require.NoError(t, err)

	list, err = s.List(ctx, &cellsrpc.CellServiceListRequest{})
	require.NoError(t, err)
	require.Empty(t, list.Cells)
}

func TestAllocateDuplicateRejected(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Allocate(ctx, &cellsrpc.CellServiceAllocateRequest{Cell: cellsrpc.Cell{Name: "ae-test"}})
	require.NoError(t, err)
	_, err = s.Allocate(ctx, &cellsrpc.CellServiceAllocateRequest{Cell: cellsrpc.Cell{Name: "ae-test"}})
	require.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestFreeUnknownCellNotFound(t *testing.T) {
	s := newTestService()
	_, err := s.Free(context.Background(), &cellsrpc.CellServiceFreeRequest{CellName: "ghost"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestStartStopLocalExecutable(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Allocate(ctx, &cellsrpc.CellServiceAllocateRequest{Cell: cellsrpc.Cell{Name: "ae-test"}})
	require.NoError(t, err)

	startResp, err := s.Start(ctx, &cellsrpc.CellServiceStartRequest{
		Executable: cellsrpc.Exec{Name: "exe1", Path: "/bin/sleep", Args: []string{"5"}},
	})
	require.NoError(t, err)
	require.Greater(t, startResp.Pid, int32(0))
	require.Equal(t, uint32(os.Getuid()), startResp.Uid)
	require.Equal(t, uint32(os.Getgid()), startResp.Gid)

	_, err = s.Stop(ctx, &cellsrpc.CellServiceStopRequest{ExecutableName: "exe1"})
	require.NoError(t, err)
}

func TestStopAllThenFreeAll(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Allocate(ctx, &cellsrpc.CellServiceAllocateRequest{Cell: cellsrpc.Cell{Name: "ae-test"}})
	require.NoError(t, err)
	_, err = s.Start(ctx, &cellsrpc.CellServiceStartRequest{
		Executable: cellsrpc.Exec{Name: "exe1", Path: "/bin/sleep", Args: []string{"5"}},
	})
	require.NoError(t, err)

	require.NoError(t, s.StopAll(ctx))
	s.FreeAll(ctx)

	list, err := s.List(ctx, &cellsrpc.CellServiceListRequest{})
	require.NoError(t, err)
	require.Empty(t, list.Cells)
}
