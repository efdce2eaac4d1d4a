package vms

import (
	"errors"
	"fmt"
)

var (
	// ErrVmExists is returned when allocating an id already present in
	// the registry, or re-allocating a VirtualMachine that already has
	// a handle.
	ErrVmExists = errors.New("vms: already exists")
	// ErrVmNotFound is returned for an unknown vm id.
	ErrVmNotFound = errors.New("vms: not found")
	// ErrVmNotRunning is returned when a caller needs the guest socket
	// of a VM that is not currently Running.
	ErrVmNotRunning = errors.New("vms: not running")
	// ErrBadConfiguration is returned when the hypervisor backend fails
	// to build a microVM from the supplied spec.
	ErrBadConfiguration = errors.New("vms: bad configuration")
)

// KillError reports a failed or illegal stop attempt, carrying the vm
// id for caller-facing messages (mirrors "vm is not running").
type KillError struct {
	VmID string
	Msg  string
}

func (e *KillError) Error() string {
	return fmt.Sprintf("vms: kill error for %s: %s", e.VmID, e.Msg)
}

// NewNotRunningKillError builds the canonical "stop a non-running VM"
// error.
func NewNotRunningKillError(vmID string) *KillError {
	return &KillError{VmID: vmID, Msg: "vm is not running"}
}
