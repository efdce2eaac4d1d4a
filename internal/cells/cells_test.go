package cells

import (
	"context"
	"testing"

	"github.com/cellmesh/agentd/internal/cgroups"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory stand-in for cgroups.Backend so cell
// tree logic can be exercised without real cgroupfs or root.
type fakeBackend struct {
	dirs map[string]bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{dirs: map[string]bool{}} }

func (f *fakeBackend) Create(path string, _ cgroups.Spec) error {
	if f.dirs[path] {
		return cgroups.ErrAlreadyExists
	}
	f.dirs[path] = true
	return nil
}
func (f *fakeBackend) Configure(string, cgroups.Spec) error { return nil }
func (f *fakeBackend) KillAll(string) error                 { return nil }
func (f *fakeBackend) Destroy(path string) error {
	delete(f.dirs, path)
	return nil
}
func (f *fakeBackend) Pids(string) ([]int, error) { return nil, nil }

type fakeSpawner struct{ n int }

func (s *fakeSpawner) Spawn(path Name, _ Spec, _ string) (*NestedProcess, error) {
	s.n++
	return &NestedProcess{Socket: "/run/fake/" + string(path) + ".sock"}, nil
}
func (s *fakeSpawner) Stop(*NestedProcess) error { return nil }

func newTestCells() *Cells {
	return New(newFakeBackend(), &fakeSpawner{}, "/sys/fs/cgroup", nil)
}

func TestAllocateRejectsMissingParent(t *testing.T) {
	c := newTestCells()
	_, err := c.Allocate(context.Background(), "a/b", Spec{})
	require.ErrorIs(t, err, ErrCellParentMissing)
}

func TestAllocateNestedAndList(t *testing.T) {
	c := newTestCells()

	_, err := c.Allocate(context.Background(), "ae-test-A", Spec{})
	require.NoError(t, err)
	_, err = c.Allocate(context.Background(), "ae-test-A/ae-test-B", Spec{})
	require.NoError(t, err)
	_, err = c.Allocate(context.Background(), "ae-test-C", Spec{})
	require.NoError(t, err)

	roots := GetAll(c, func(cell *Cell) Name { return cell.Name() })
	require.Len(t, roots, 2)
	require.ElementsMatch(t, []Name{"ae-test-A", "ae-test-C"}, roots)

	children, err := Get(c, "ae-test-A", func(cell *Cell) []Name {
		names := make([]Name, 0, len(cell.Children()))
		for n := range cell.Children() {
			names = append(names, n)
		}
		return names
	})
	require.NoError(t, err)
	require.Equal(t, []Name{"ae-test-A/ae-test-B"}, children)
}

func TestAllocateDuplicate(t *testing.T) {
	c := newTestCells()
	_, err := c.Allocate(context.Background(), "a", Spec{})
	require.NoError(t, err)
	_, err = c.Allocate(context.Background(), "a", Spec{})
	require.ErrorIs(t, err, ErrCellExists)
}

func TestFreeRemovesSubtree(t *testing.T) {
	c := newTestCells()
	_, err := c.Allocate(context.Background(), "a", Spec{})
	require.NoError(t, err)
	_, err = c.Allocate(context.Background(), "a/b", Spec{})
	require.NoError(t, err)

	require.NoError(t, c.Free(context.Background(), "a"))

	_, err = Get(c, "a", func(cell *Cell) struct{} { return struct{}{} })
	require.ErrorIs(t, err, ErrCellNotFound)
	_, err = Get(c, "a/b", func(cell *Cell) struct{} { return struct{}{} })
	require.ErrorIs(t, err, ErrCellNotFound)
}

func TestFreeUnknown(t *testing.T) {
	c := newTestCells()
	err := c.Free(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrCellNotFound)
}

func TestBroadcastFreeAndKill(t *testing.T) {
	c := newTestCells()
	_, err := c.Allocate(context.Background(), "a", Spec{})
	require.NoError(t, err)
	_, err = c.Allocate(context.Background(), "b", Spec{})
	require.NoError(t, err)

	c.BroadcastFree(context.Background())
	require.Empty(t, GetAll(c, func(cell *Cell) Name { return cell.Name() }))

	// Idempotent: nothing left to kill.
	c.BroadcastKill(context.Background())
}
