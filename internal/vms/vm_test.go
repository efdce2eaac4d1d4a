package vms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	addr    string
	stopped bool
}

func (h *fakeHandle) Resume(context.Context) error { return nil }
func (h *fakeHandle) Pause(context.Context) error  { return nil }
func (h *fakeHandle) Stop(context.Context, int) error {
	h.stopped = true
	return nil
}
func (h *fakeHandle) GuestSocketAddr() string { return h.addr }

type fakeBackend struct{ built int }

func (b *fakeBackend) Build(_ context.Context, id string, spec Spec) (Handle, error) {
	b.built++
	return &fakeHandle{addr: spec.GuestAgentAddress}, nil
}

func TestVmLifecycle(t *testing.T) {
	ctx := context.Background()
	vm := newVirtualMachine("v1", Spec{GuestAgentAddress: "vsock:3:5000"}, &fakeBackend{})

	require.Equal(t, NotStarted, vm.State())

	require.NoError(t, vm.Allocate(ctx))
	require.Equal(t, NotStarted, vm.State())
	_, ok := vm.GuestSocketAddr()
	require.False(t, ok, "socket must not be visible before Running")

	require.NoError(t, vm.Start(ctx))
	require.Equal(t, Running, vm.State())
	addr, ok := vm.GuestSocketAddr()
	require.True(t, ok)
	require.Equal(t, "vsock:3:5000", addr)

	require.NoError(t, vm.Stop(ctx, 0))
	require.Equal(t, Stopped, vm.State())

	err := vm.Stop(ctx, 0)
	var killErr *KillError
	require.ErrorAs(t, err, &killErr)
	require.Contains(t, killErr.Error(), "vm is not running")
}

func TestVmAllocateDuplicate(t *testing.T) {
	ctx := context.Background()
	vm := newVirtualMachine("v1", Spec{}, &fakeBackend{})
	require.NoError(t, vm.Allocate(ctx))
	err := vm.Allocate(ctx)
	require.ErrorIs(t, err, ErrVmExists)
}

func TestVmStartIdempotentWhileRunning(t *testing.T) {
	ctx := context.Background()
	vm := newVirtualMachine("v1", Spec{}, &fakeBackend{})
	require.NoError(t, vm.Allocate(ctx))
	require.NoError(t, vm.Start(ctx))
	require.NoError(t, vm.Start(ctx))
	require.Equal(t, Running, vm.State())
}

func TestVmFreeFromRunningStopsFirst(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	vm := newVirtualMachine("v1", Spec{}, backend)
	require.NoError(t, vm.Allocate(ctx))
	require.NoError(t, vm.Start(ctx))

	require.NoError(t, vm.Free(ctx, 0))
	require.Equal(t, NotStarted, vm.State())

	// A fresh allocate re-enters NotStarted under a new handle (V2: no
	// resurrection after free/stop).
	require.NoError(t, vm.Allocate(ctx))
	require.Equal(t, 2, backend.built)
}

func TestVmFreeWithNoHandleIsNoop(t *testing.T) {
	vm := newVirtualMachine("v1", Spec{}, &fakeBackend{})
	require.NoError(t, vm.Free(context.Background(), 0))
}
