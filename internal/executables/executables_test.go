package executables

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sleepSpec(t *testing.T, name Name, seconds string) Spec {
	t.Helper()
	return Spec{Name: name, Path: "/bin/sleep", Args: []string{seconds}}
}

func TestStartStopLifecycle(t *testing.T) {
	reg := New(nil, nil)

	exe, err := reg.Start(context.Background(), sleepSpec(t, "exe1", "5"), nil, nil)
	require.NoError(t, err)
	require.Greater(t, exe.Pid(), 0)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Stop(context.Background(), "exe1"))
	require.Equal(t, 0, reg.Len())

	// P2: second stop of the same name returns ExecutableNotFound.
	err = reg.Stop(context.Background(), "exe1")
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestDuplicateStartRejected(t *testing.T) {
	reg := New(nil, nil)

	_, err := reg.Start(context.Background(), sleepSpec(t, "exe1", "5"), nil, nil)
	require.NoError(t, err)
	defer reg.Stop(context.Background(), "exe1")

	_, err = reg.Start(context.Background(), sleepSpec(t, "exe1", "5"), nil, nil)
	require.ErrorIs(t, err, ErrExecutableExists)
}

func TestStartStopStartSameName(t *testing.T) {
	reg := New(nil, nil)

	first, err := reg.Start(context.Background(), sleepSpec(t, "exe1", "5"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Stop(context.Background(), "exe1"))

	second, err := reg.Start(context.Background(), sleepSpec(t, "exe1", "5"), nil, nil)
	require.NoError(t, err)
	defer reg.Stop(context.Background(), "exe1")
	require.NotEqual(t, first.Pid(), second.Pid())
}

func TestStopNeverExisted(t *testing.T) {
	reg := New(nil, nil)
	err := reg.Stop(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestStopAfterExit(t *testing.T) {
	reg := New(nil, nil)
	_, err := reg.Start(context.Background(), Spec{Name: "exe1", Path: "/bin/true"}, nil, nil)
	require.NoError(t, err)

	// Give the process a moment to exit on its own before we stop it.
	time.Sleep(50 * time.Millisecond)

	err = reg.Stop(context.Background(), "exe1")
	require.NoError(t, err)
	require.Equal(t, 0, reg.Len())
}

func TestReconcileLiveEvictsExitedProcess(t *testing.T) {
	reg := New(nil, nil)
	_, err := reg.Start(context.Background(), Spec{Name: "exe1", Path: "/bin/true"}, nil, nil)
	require.NoError(t, err)
	_, err = reg.Start(context.Background(), sleepSpec(t, "exe2", "5"), nil, nil)
	require.NoError(t, err)
	defer reg.Stop(context.Background(), "exe2")

	// Give exe1 a moment to exit on its own so its pid is no longer live.
	time.Sleep(50 * time.Millisecond)

	evicted := reg.ReconcileLive()
	require.Equal(t, []Name{"exe1"}, evicted)
	require.Equal(t, 1, reg.Len())

	_, err = reg.Get("exe1")
	require.ErrorIs(t, err, ErrExecutableNotFound)
	_, err = reg.Get("exe2")
	require.NoError(t, err)
}

func TestReconcileLiveNoOpWhenAllAlive(t *testing.T) {
	reg := New(nil, nil)
	_, err := reg.Start(context.Background(), sleepSpec(t, "exe1", "5"), nil, nil)
	require.NoError(t, err)
	defer reg.Stop(context.Background(), "exe1")

	require.Empty(t, reg.ReconcileLive())
	require.Equal(t, 1, reg.Len())
}

func TestBroadcastStopClearsCache(t *testing.T) {
	reg := New(nil, nil)
	_, err := reg.Start(context.Background(), sleepSpec(t, "exe1", "5"), nil, nil)
	require.NoError(t, err)
	_, err = reg.Start(context.Background(), sleepSpec(t, "exe2", "5"), nil, nil)
	require.NoError(t, err)

	reg.BroadcastStop(context.Background())
	require.Equal(t, 0, reg.Len())
}
