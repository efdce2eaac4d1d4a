package cgroups

import "errors"

var (
	// ErrParentMissing is returned when the parent of the requested
	// cgroup subtree does not exist on disk.
	ErrParentMissing = errors.New("cgroups: parent cgroup does not exist")
	// ErrAlreadyExists is returned when the requested subtree already
	// exists.
	ErrAlreadyExists = errors.New("cgroups: subtree already exists")
	// ErrPermissionDenied is returned when a cgroupfs write fails with
	// EACCES/EPERM - almost always because the agent is not running as
	// root or was not delegated the controller.
	ErrPermissionDenied = errors.New("cgroups: permission denied (agent must run as root)")
	// ErrControllerRejected is returned when the kernel rejects a
	// controller value (e.g. an out-of-range cpu.weight).
	ErrControllerRejected = errors.New("cgroups: kernel rejected controller value")
	// ErrControllerNotAvailable is returned when a controller is not
	// enabled in the parent's cgroup.subtree_control and could not be
	// enabled.
	ErrControllerNotAvailable = errors.New("cgroups: controller not available in parent")
)
