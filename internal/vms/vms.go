package vms

import (
	"context"
	"fmt"
	"sync"

	"github.com/cellmesh/agentd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Vms is the process-wide VM registry: a single mutex guarding a flat
// id -> VirtualMachine map. It is the sole owner of every
// VirtualMachine it holds.
type Vms struct {
	mu      sync.Mutex
	backend HypervisorBackend
	vms     map[string]*VirtualMachine
	logger  *zap.Logger
}

func New(backend HypervisorBackend, logger *zap.Logger) *Vms {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vms{backend: backend, vms: make(map[string]*VirtualMachine), logger: logger}
}

// Allocate refuses a duplicate id, builds the paused microVM, and
// registers it.
func (v *Vms) Allocate(ctx context.Context, id string, spec Spec) (*VirtualMachine, error) {
	v.mu.Lock()
	if _, exists := v.vms[id]; exists {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrVmExists, id)
	}
	vm := newVirtualMachine(id, spec, v.backend)
	v.vms[id] = vm
	v.mu.Unlock()

	if err := vm.Allocate(ctx); err != nil {
		v.mu.Lock()
		delete(v.vms, id)
		v.mu.Unlock()
		return nil, err
	}
	return vm, nil
}

// Get returns the VirtualMachine registered under id.
func (v *Vms) Get(id string) (*VirtualMachine, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vm, ok := v.vms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVmNotFound, id)
	}
	return vm, nil
}

// GetSocket returns the guest agent socket address if id exists and is
// Running. A missing id surfaces ErrVmNotFound; a non-Running vm
// surfaces ErrVmNotRunning, as callers expect.
func (v *Vms) GetSocket(id string) (string, error) {
	vm, err := v.Get(id)
	if err != nil {
		return "", err
	}
	addr, ok := vm.GuestSocketAddr()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrVmNotRunning, id)
	}
	return addr, nil
}

// Start resolves id and resumes its handle.
func (v *Vms) Start(ctx context.Context, id string) error {
	vm, err := v.Get(id)
	if err != nil {
		return err
	}
	return vm.Start(ctx)
}

// Stop resolves id and stops its handle.
func (v *Vms) Stop(ctx context.Context, id string, exitCode int) error {
	vm, err := v.Get(id)
	if err != nil {
		return err
	}
	return vm.Stop(ctx, exitCode)
}

// Free resolves id, frees its handle, and drops it from the registry.
func (v *Vms) Free(ctx context.Context, id string, exitCode int) error {
	vm, err := v.Get(id)
	if err != nil {
		return err
	}
	if err := vm.Free(ctx, exitCode); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.vms, id)
	v.mu.Unlock()
	return nil
}

// List returns a snapshot of every registered vm id and its state,
// for the VmService.List RPC.
func (v *Vms) List() map[string]State {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]State, len(v.vms))
	for id, vm := range v.vms {
		out[id] = vm.State()
	}
	return out
}

// StopAll attempts to stop every registered VM, best effort.
func (v *Vms) StopAll(ctx context.Context) {
	v.mu.Lock()
	all := make([]*VirtualMachine, 0, len(v.vms))
	for _, vm := range v.vms {
		all = append(all, vm)
	}
	v.mu.Unlock()

	for _, vm := range all {
		if err := vm.Stop(ctx, 0); err != nil {
			telemetry.ReportError(ctx, err, attribute.String("vm", vm.ID()))
			v.logger.Warn("stop vm failed", zap.String("vm", vm.ID()), zap.Error(err))
		}
	}
}

// FreeAll frees every registered VM and clears the registry,
// regardless of whether StopAll succeeded - handles must not leak.
func (v *Vms) FreeAll(ctx context.Context) {
	v.mu.Lock()
	all := make([]*VirtualMachine, 0, len(v.vms))
	for _, vm := range v.vms {
		all = append(all, vm)
	}
	v.mu.Unlock()

	for _, vm := range all {
		if err := vm.Free(ctx, 0); err != nil {
			telemetry.ReportError(ctx, err, attribute.String("vm", vm.ID()))
			v.logger.Warn("free vm failed", zap.String("vm", vm.ID()), zap.Error(err))
		}
	}

	v.mu.Lock()
	v.vms = make(map[string]*VirtualMachine)
	v.mu.Unlock()
}

// Len reports the number of registered VMs.
func (v *Vms) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.vms)
}
