// Package rpcerrors is the single mapping layer that converts registry
// errors (cells, executables, vms, target) into grpc status errors,
// per the error taxonomy in spec section 7.
package rpcerrors

import (
	"errors"

	"github.com/cellmesh/agentd/internal/cells"
	"github.com/cellmesh/agentd/internal/cgroups"
	"github.com/cellmesh/agentd/internal/executables"
	"github.com/cellmesh/agentd/internal/target"
	"github.com/cellmesh/agentd/internal/vms"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToStatus converts err into a grpc status error. nil stays nil.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, cells.ErrCellNotFound),
		errors.Is(err, executables.ErrExecutableNotFound),
		errors.Is(err, vms.ErrVmNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, vms.ErrVmNotRunning):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, cells.ErrCellExists),
		errors.Is(err, executables.ErrExecutableExists),
		errors.Is(err, vms.ErrVmExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, cells.ErrInvalidName),
		errors.Is(err, cells.ErrCellParentMissing),
		errors.Is(err, cgroups.ErrControllerRejected):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, target.ErrMissingCertMaterial),
		errors.Is(err, target.ErrNoAgentSocket),
		errors.Is(err, vms.ErrBadConfiguration):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, target.ErrResolvedLocal):
		return status.Error(codes.Internal, err.Error())

	default:
		var killErr *vms.KillError
		if errors.As(err, &killErr) {
			return status.Error(codes.FailedPrecondition, err.Error())
		}
		if status.Code(err) != codes.Unknown {
			// Already a status error (e.g. forwarded from a remote agent).
			return err
		}
		return status.Error(codes.Internal, err.Error())
	}
}
