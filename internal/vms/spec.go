// Package vms implements the VM manager: a HypervisorBackend port, the
// VirtualMachine state machine wrapping a paused-then-running
// hypervisor handle, and the Vms registry that owns every
// VirtualMachine on the host.
package vms

// DriveMount is an additional block device attached to a microVM
// beyond its root filesystem.
type DriveMount struct {
	HostPath string
	ReadOnly bool
	DriveID  string
}

// NetworkInterface describes one guest NIC backed by a host tap
// device.
type NetworkInterface struct {
	MacAddress  string
	HostDevName string
}

// Spec is the declarative configuration a HypervisorBackend builds a
// paused microVM from.
type Spec struct {
	KernelImagePath string
	KernelArgs      string
	RootfsPath      string
	RootfsReadOnly  bool
	DriveMounts     []DriveMount
	VcpuCount       int64
	MemSizeMB       int64
	NetworkIfaces   []NetworkInterface

	// GuestAgentAddress is the address (vsock CID:port or host:port,
	// backend-defined) the nested agent listens on once the VM resumes.
	GuestAgentAddress string

	// VsockUDSPath is the host-side Unix socket backing the guest's
	// vsock device; VsockGuestCID is the guest-side context id. Both
	// default per-VM when left zero (the backend derives the path from
	// its runtime directory and uses the first non-reserved CID).
	VsockUDSPath  string
	VsockGuestCID int64
}
