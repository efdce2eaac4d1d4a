// Package cells holds the CellService wire message types, mirroring
// proto/cells.proto, and the grpc service contract generated from it.
package cells

import (
	"context"

	"github.com/cellmesh/agentd/internal/rpc/common"
	"google.golang.org/grpc"
)

// CpuController, CpusetController, and MemoryController mirror
// internal/cgroups.Spec's controller records, wire-encoded with
// pointer fields so "absent" survives round-tripping distinct from
// zero.
type CpuController struct {
	Weight *uint64 `json:"weight,omitempty"`
	Max    *uint64 `json:"max,omitempty"`
	Period *uint64 `json:"period,omitempty"`
}

type CpusetController struct {
	Cpus *string `json:"cpus,omitempty"`
	Mems *string `json:"mems,omitempty"`
}

type MemoryController struct {
	Min *uint64 `json:"min,omitempty"`
	Low *uint64 `json:"low,omitempty"`
	High *uint64 `json:"high,omitempty"`
	Max  *uint64 `json:"max,omitempty"`
}

// Cell is the wire form of a cell allocation request's payload.
type Cell struct {
	Name           string            `json:"name"`
	Cpu            *CpuController    `json:"cpu,omitempty"`
	Cpuset         *CpusetController `json:"cpuset,omitempty"`
	Memory         *MemoryController `json:"memory,omitempty"`
	IsolateProcess bool              `json:"isolate_process"`
	IsolateNetwork bool              `json:"isolate_network"`
}

// CellGraphNode describes one node of a cell tree for List responses.
type CellGraphNode struct {
	Cell     Cell            `json:"cell"`
	Children []CellGraphNode `json:"children,omitempty"`
}

// Exec is the wire form of an executable spec.
type Exec struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Uid        *uint32  `json:"uid,omitempty"`
	Gid        *uint32  `json:"gid,omitempty"`
}

type CellServiceAllocateRequest struct {
	Cell         Cell                    `json:"cell"`
	ParentTarget *common.ExecutionTarget `json:"parent_target,omitempty"`
}

type CellServiceAllocateResponse struct {
	CellName string `json:"cell_name"`
}

type CellServiceFreeRequest struct {
	CellName        string                  `json:"cell_name"`
	ExecutionTarget *common.ExecutionTarget `json:"execution_target,omitempty"`
}

func (r *CellServiceFreeRequest) ClearExecutionTarget() { r.ExecutionTarget = nil }
func (r *CellServiceFreeRequest) SetCellName(path string) { r.CellName = path }

type CellServiceFreeResponse struct{}

type CellServiceStartRequest struct {
	CellName        string                  `json:"cell_name,omitempty"`
	Executable       Exec                   `json:"executable"`
	ExecutionTarget *common.ExecutionTarget `json:"execution_target,omitempty"`
}

func (r *CellServiceStartRequest) ClearExecutionTarget() { r.ExecutionTarget = nil }
func (r *CellServiceStartRequest) SetCellName(path string) { r.CellName = path }

type CellServiceStartResponse struct {
	Pid int32  `json:"pid"`
	Uid uint32 `json:"uid"`
	Gid uint32 `json:"gid"`
}

type CellServiceStopRequest struct {
	CellName        string                  `json:"cell_name,omitempty"`
	ExecutableName  string                  `json:"executable_name"`
	ExecutionTarget *common.ExecutionTarget `json:"execution_target,omitempty"`
}

func (r *CellServiceStopRequest) ClearExecutionTarget() { r.ExecutionTarget = nil }
func (r *CellServiceStopRequest) SetCellName(path string) { r.CellName = path }

type CellServiceStopResponse struct{}

type CellServiceListRequest struct {
	ExecutionTarget *common.ExecutionTarget `json:"execution_target,omitempty"`
}

func (r *CellServiceListRequest) ClearExecutionTarget() { r.ExecutionTarget = nil }
func (r *CellServiceListRequest) SetCellName(string)    {} // List has no legacy cell_name field

type CellServiceListResponse struct {
	Cells []CellGraphNode `json:"cells"`
}

// CellServiceServer is the interface service implementations (local
// facades) satisfy.
type CellServiceServer interface {
	Allocate(context.Context, *CellServiceAllocateRequest) (*CellServiceAllocateResponse, error)
	Free(context.Context, *CellServiceFreeRequest) (*CellServiceFreeResponse, error)
	Start(context.Context, *CellServiceStartRequest) (*CellServiceStartResponse, error)
	Stop(context.Context, *CellServiceStopRequest) (*CellServiceStopResponse, error)
	List(context.Context, *CellServiceListRequest) (*CellServiceListResponse, error)
}

const (
	cellServiceName = "cellmesh.cells.CellService"

	CellService_Allocate_FullMethodName = "/" + cellServiceName + "/Allocate"
	CellService_Free_FullMethodName     = "/" + cellServiceName + "/Free"
	CellService_Start_FullMethodName    = "/" + cellServiceName + "/Start"
	CellService_Stop_FullMethodName     = "/" + cellServiceName + "/Stop"
	CellService_List_FullMethodName     = "/" + cellServiceName + "/List"
)

// CellServiceClient is the client-side stub.
type CellServiceClient interface {
	Allocate(ctx context.Context, in *CellServiceAllocateRequest, opts ...grpc.CallOption) (*CellServiceAllocateResponse, error)
	Free(ctx context.Context, in *CellServiceFreeRequest, opts ...grpc.CallOption) (*CellServiceFreeResponse, error)
	Start(ctx context.Context, in *CellServiceStartRequest, opts ...grpc.CallOption) (*CellServiceStartResponse, error)
	Stop(ctx context.Context, in *CellServiceStopRequest, opts ...grpc.CallOption) (*CellServiceStopResponse, error)
	List(ctx context.Context, in *CellServiceListRequest, opts ...grpc.CallOption) (*CellServiceListResponse, error)
}

type cellServiceClient struct{ cc grpc.ClientConnInterface }

func NewCellServiceClient(cc grpc.ClientConnInterface) CellServiceClient {
	return &cellServiceClient{cc}
}

func (c *cellServiceClient) Allocate(ctx context.Context, in *CellServiceAllocateRequest, opts ...grpc.CallOption) (*CellServiceAllocateResponse, error) {
	out := new(CellServiceAllocateResponse)
	if err := c.cc.Invoke(ctx, CellService_Allocate_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cellServiceClient) Free(ctx context.Context, in *CellServiceFreeRequest, opts ...grpc.CallOption) (*CellServiceFreeResponse, error) {
	out := new(CellServiceFreeResponse)
	if err := c.cc.Invoke(ctx, CellService_Free_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cellServiceClient) Start(ctx context.Context, in *CellServiceStartRequest, opts ...grpc.CallOption) (*CellServiceStartResponse, error) {
	out := new(CellServiceStartResponse)
	if err := c.cc.Invoke(ctx, CellService_Start_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cellServiceClient) Stop(ctx context.Context, in *CellServiceStopRequest, opts ...grpc.CallOption) (*CellServiceStopResponse, error) {
	out := new(CellServiceStopResponse)
	if err := c.cc.Invoke(ctx, CellService_Stop_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cellServiceClient) List(ctx context.Context, in *CellServiceListRequest, opts ...grpc.CallOption) (*CellServiceListResponse, error) {
	out := new(CellServiceListResponse)
	if err := c.cc.Invoke(ctx, CellService_List_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _CellService_Allocate_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CellServiceAllocateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CellServiceServer).Allocate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CellService_Allocate_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CellServiceServer).Allocate(ctx, req.(*CellServiceAllocateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _CellService_Free_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CellServiceFreeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CellServiceServer).Free(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CellService_Free_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CellServiceServer).Free(ctx, req.(*CellServiceFreeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _CellService_Start_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CellServiceStartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CellServiceServer).Start(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CellService_Start_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CellServiceServer).Start(ctx, req.(*CellServiceStartRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _CellService_Stop_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CellServiceStopRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CellServiceServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CellService_Stop_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CellServiceServer).Stop(ctx, req.(*CellServiceStopRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _CellService_List_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CellServiceListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CellServiceServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CellService_List_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CellServiceServer).List(ctx, req.(*CellServiceListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CellService_ServiceDesc is the grpc.ServiceDesc protoc-gen-go-grpc
// would normally emit from cells.proto.
var CellService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: cellServiceName,
	HandlerType: (*CellServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Allocate", Handler: _CellService_Allocate_Handler},
		{MethodName: "Free", Handler: _CellService_Free_Handler},
		{MethodName: "Start", Handler: _CellService_Start_Handler},
		{MethodName: "Stop", Handler: _CellService_Stop_Handler},
		{MethodName: "List", Handler: _CellService_List_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cells.proto",
}
