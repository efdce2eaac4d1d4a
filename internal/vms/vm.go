package vms

import (
	"context"
	"fmt"
	"sync"

	"github.com/cellmesh/agentd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// State is a VirtualMachine's lifecycle stage. Start and Stop move it
// forward only: NotStarted -> Running -> Stopped. Free drops the handle
// and resets the stage to NotStarted, ready for a fresh Allocate.
type State int

const (
	NotStarted State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// VirtualMachine is the state machine wrapping one hypervisor handle.
// mu guards state and handle together; no method holds mu across a
// call into another locking method of this type - that is what keeps
// Free from deadlocking against Stop (see Free).
type VirtualMachine struct {
	id      string
	spec    Spec
	backend HypervisorBackend

	mu     sync.Mutex
	state  State
	handle Handle
}

// newVirtualMachine builds a VirtualMachine with no handle yet; Allocate must be
// called before Start.
func newVirtualMachine(id string, spec Spec, backend HypervisorBackend) *VirtualMachine {
	return &VirtualMachine{id: id, spec: spec, backend: backend, state: NotStarted}
}

// ID returns the externally supplied vm id.
func (vm *VirtualMachine) ID() string { return vm.id }

// Allocate builds the paused microVM. Fails with ErrVmExists if a
// handle is already present.
func (vm *VirtualMachine) Allocate(ctx context.Context) error {
	vm.mu.Lock()
	if vm.handle != nil {
		vm.mu.Unlock()
		return fmt.Errorf("%w: vm %s", ErrVmExists, vm.id)
	}
	vm.mu.Unlock()

	handle, err := vm.backend.Build(ctx, vm.id, vm.spec)
	if err != nil {
		err = fmt.Errorf("build vm %s: %w", vm.id, err)
		telemetry.ReportCriticalError(ctx, err, attribute.String("vm", vm.id))
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.handle != nil {
		// Lost a race with a concurrent Allocate; the other build wins,
		// ours is discarded unstarted (paused VMs cost nothing running).
		return fmt.Errorf("%w: vm %s", ErrVmExists, vm.id)
	}
	vm.handle = handle
	vm.state = NotStarted
	telemetry.ReportEvent(ctx, "vm allocated", attribute.String("vm", vm.id))
	return nil
}

// Start resumes the paused handle. Idempotent while already Running;
// illegal (and left alone) once Stopped.
func (vm *VirtualMachine) Start(ctx context.Context) error {
	vm.mu.Lock()
	if vm.state == Running {
		vm.mu.Unlock()
		return nil
	}
	if vm.handle == nil {
		vm.mu.Unlock()
		return fmt.Errorf("vms: vm %s has no allocated handle", vm.id)
	}
	if vm.state == Stopped {
		vm.mu.Unlock()
		return fmt.Errorf("vms: vm %s is stopped, allocate a fresh one", vm.id)
	}
	handle := vm.handle
	vm.mu.Unlock()

	if err := handle.Resume(ctx); err != nil {
		err = fmt.Errorf("resume vm %s: %w", vm.id, err)
		telemetry.ReportCriticalError(ctx, err, attribute.String("vm", vm.id))
		return err
	}

	vm.mu.Lock()
	vm.state = Running
	vm.mu.Unlock()
	telemetry.ReportEvent(ctx, "vm started", attribute.String("vm", vm.id))
	return nil
}

// Stop tears the handle down. Stopping a non-Running VM is an error
// (KillError), matching the cell/executable kill contract.
func (vm *VirtualMachine) Stop(ctx context.Context, exitCode int) error {
	vm.mu.Lock()
	if vm.state != Running {
		vm.mu.Unlock()
		return NewNotRunningKillError(vm.id)
	}
	handle := vm.handle
	vm.mu.Unlock()

	if err := handle.Stop(ctx, exitCode); err != nil {
		killErr := &KillError{VmID: vm.id, Msg: err.Error()}
		telemetry.ReportCriticalError(ctx, killErr, attribute.String("vm", vm.id))
		return killErr
	}

	vm.mu.Lock()
	vm.state = Stopped
	vm.mu.Unlock()
	telemetry.ReportEvent(ctx, "vm stopped", attribute.String("vm", vm.id))
	return nil
}

// Free releases the handle, stopping it first if still Running. It
// never holds vm.mu across the call into Stop: the lock is acquired
// independently by each step, so Free and Stop never nest the same
// mutex acquisition and cannot deadlock against each other.
func (vm *VirtualMachine) Free(ctx context.Context, exitCode int) error {
	vm.mu.Lock()
	state := vm.state
	hasHandle := vm.handle != nil
	vm.mu.Unlock()

	if !hasHandle {
		return nil
	}

	if state == Running {
		if err := vm.Stop(ctx, exitCode); err != nil {
			return err
		}
	}

	vm.mu.Lock()
	vm.handle = nil
	vm.state = NotStarted
	vm.mu.Unlock()
	telemetry.ReportEvent(ctx, "vm freed", attribute.String("vm", vm.id))
	return nil
}

// State returns the current lifecycle stage.
func (vm *VirtualMachine) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// GuestSocketAddr returns the guest agent's address, visible only
// while Running (V3).
func (vm *VirtualMachine) GuestSocketAddr() (string, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state != Running || vm.handle == nil {
		return "", false
	}
	return vm.handle.GuestSocketAddr(), true
}
