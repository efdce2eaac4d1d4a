// Package common holds wire message types shared by CellService and
// VmService, mirroring proto/common.proto.
package common

import "github.com/cellmesh/agentd/internal/target"

// ExecutionTarget is the wire form of target.ExecutionTarget. Empty
// string means absent for both fields.
type ExecutionTarget struct {
	VmID     string `json:"vm_id,omitempty"`
	CellPath string `json:"cell_path,omitempty"`
}

// ToDomain converts the wire type to target.ExecutionTarget. A nil
// receiver (field absent from the request) converts to the local
// target.
func (t *ExecutionTarget) ToDomain() target.ExecutionTarget {
	if t == nil {
		return target.ExecutionTarget{}
	}
	return target.ExecutionTarget{VmID: t.VmID, CellPath: t.CellPath}
}

// FromDomain builds the wire type from a resolved domain target.
func FromDomain(t target.ExecutionTarget) *ExecutionTarget {
	return &ExecutionTarget{VmID: t.VmID, CellPath: t.CellPath}
}
