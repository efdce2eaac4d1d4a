package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
)

type fakeCells struct {
	stopErr   error
	stopped   bool
	freed     bool
}

func (f *fakeCells) StopAll(context.Context) error {
	f.stopped = true
	return f.stopErr
}
func (f *fakeCells) FreeAll(context.Context) { f.freed = true }

type fakeVms struct {
	stopped bool
	freed   bool
}

func (f *fakeVms) StopAll(context.Context) { f.stopped = true }
func (f *fakeVms) FreeAll(context.Context) { f.freed = true }

func TestDrainFreesCellsOnlyWhenStopSucceeds(t *testing.T) {
	cells := &fakeCells{}
	vms := &fakeVms{}
	g := New(health.NewServer(), cells, vms, nil)

	g.drain(context.Background())

	require.True(t, cells.stopped)
	require.True(t, cells.freed)
	require.True(t, vms.stopped)
	require.True(t, vms.freed)
}

func TestDrainSkipsCellFreeWhenStopFails(t *testing.T) {
	cells := &fakeCells{stopErr: errors.New("boom")}
	vms := &fakeVms{}
	g := New(health.NewServer(), cells, vms, nil)

	g.drain(context.Background())

	require.True(t, cells.stopped)
	require.False(t, cells.freed, "free must be skipped when stop fails, to avoid orphaning in-flight children")
	require.True(t, vms.stopped)
	require.True(t, vms.freed, "vm free always runs regardless of stop outcome")
}

func TestDrainWaitsForSubscribers(t *testing.T) {
	cells := &fakeCells{}
	vms := &fakeVms{}
	g := New(health.NewServer(), cells, vms, nil)

	ch, done := g.Subscribe()
	unblocked := make(chan struct{})
	go func() {
		<-ch
		time.Sleep(20 * time.Millisecond)
		done()
		close(unblocked)
	}()

	drained := make(chan struct{})
	go func() {
		g.drain(context.Background())
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not complete")
	}
	<-unblocked
	require.True(t, cells.freed)
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	cells := &fakeCells{}
	vms := &fakeVms{}
	g := New(health.NewServer(), cells, vms, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Wait(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
	require.True(t, cells.stopped)
}
