// Package vms holds the VmService wire message types, mirroring
// proto/vms.proto, and the grpc service contract generated from it.
package vms

import (
	"context"

	"google.golang.org/grpc"
)

type DriveMount struct {
	HostPath   string `json:"host_path"`
	IsReadOnly bool   `json:"is_read_only"`
}

type NetworkInterface struct {
	MacAddress  string `json:"mac_address"`
	HostDevName string `json:"host_dev_name"`
}

// Machine is the wire form of a VM allocation spec.
type Machine struct {
	ID               string             `json:"id"`
	MemSizeMB        int64              `json:"mem_size_mb"`
	VcpuCount        int64              `json:"vcpu_count"`
	KernelImgPath    string             `json:"kernel_img_path"`
	KernelArgs       string             `json:"kernel_args"`
	RootDrive        DriveMount         `json:"root_drive"`
	DriveMounts      []DriveMount       `json:"drive_mounts,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"network_interfaces,omitempty"`
	AuraedAddress    string             `json:"auraed_address,omitempty"`
}

type VmServiceAllocateRequest struct {
	Machine Machine `json:"machine"`
}

type VmServiceAllocateResponse struct {
	VmID string `json:"vm_id"`
}

type VmServiceFreeRequest struct {
	VmID string `json:"vm_id"`
}
type VmServiceFreeResponse struct{}

type VmServiceStartRequest struct {
	VmID string `json:"vm_id"`
}
type VmServiceStartResponse struct{}

type VmServiceStopRequest struct {
	VmID string `json:"vm_id"`
}
type VmServiceStopResponse struct{}

type VmServiceListRequest struct{}

type VmState struct {
	VmID  string `json:"vm_id"`
	State string `json:"state"`
}

type VmServiceListResponse struct {
	Vms []VmState `json:"vms"`
}

type VmServiceServer interface {
	Allocate(context.Context, *VmServiceAllocateRequest) (*VmServiceAllocateResponse, error)
	Free(context.Context, *VmServiceFreeRequest) (*VmServiceFreeResponse, error)
	Start(context.Context, *VmServiceStartRequest) (*VmServiceStartResponse, error)
	Stop(context.Context, *VmServiceStopRequest) (*VmServiceStopResponse, error)
	List(context.Context, *VmServiceListRequest) (*VmServiceListResponse, error)
}

const (
	vmServiceName = "cellmesh.vms.VmService"

	VmService_Allocate_FullMethodName = "/" + vmServiceName + "/Allocate"
	VmService_Free_FullMethodName     = "/" + vmServiceName + "/Free"
	VmService_Start_FullMethodName    = "/" + vmServiceName + "/Start"
	VmService_Stop_FullMethodName     = "/" + vmServiceName + "/Stop"
	VmService_List_FullMethodName     = "/" + vmServiceName + "/List"
)

type VmServiceClient interface {
	Allocate(ctx context.Context, in *VmServiceAllocateRequest, opts ...grpc.CallOption) (*VmServiceAllocateResponse, error)
	Free(ctx context.Context, in *VmServiceFreeRequest, opts ...grpc.CallOption) (*VmServiceFreeResponse, error)
	Start(ctx context.Context, in *VmServiceStartRequest, opts ...grpc.CallOption) (*VmServiceStartResponse, error)
	Stop(ctx context.Context, in *VmServiceStopRequest, opts ...grpc.CallOption) (*VmServiceStopResponse, error)
	List(ctx context.Context, in *VmServiceListRequest, opts ...grpc.CallOption) (*VmServiceListResponse, error)
}

type vmServiceClient struct{ cc grpc.ClientConnInterface }

func NewVmServiceClient(cc grpc.ClientConnInterface) VmServiceClient {
	return &vmServiceClient{cc}
}

func (c *vmServiceClient) Allocate(ctx context.Context, in *VmServiceAllocateRequest, opts ...grpc.CallOption) (*VmServiceAllocateResponse, error) {
	out := new(VmServiceAllocateResponse)
	if err := c.cc.Invoke(ctx, VmService_Allocate_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *vmServiceClient) Free(ctx context.Context, in *VmServiceFreeRequest, opts ...grpc.CallOption) (*VmServiceFreeResponse, error) {
	out := new(VmServiceFreeResponse)
	if err := c.cc.Invoke(ctx, VmService_Free_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *vmServiceClient) Start(ctx context.Context, in *VmServiceStartRequest, opts ...grpc.CallOption) (*VmServiceStartResponse, error) {
	out := new(VmServiceStartResponse)
	if err := c.cc.Invoke(ctx, VmService_Start_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *vmServiceClient) Stop(ctx context.Context, in *VmServiceStopRequest, opts ...grpc.CallOption) (*VmServiceStopResponse, error) {
	out := new(VmServiceStopResponse)
	if err := c.cc.Invoke(ctx, VmService_Stop_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *vmServiceClient) List(ctx context.Context, in *VmServiceListRequest, opts ...grpc.CallOption) (*VmServiceListResponse, error) {
	out := new(VmServiceListResponse)
	if err := c.cc.Invoke(ctx, VmService_List_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _VmService_Allocate_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VmServiceAllocateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmServiceServer).Allocate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VmService_Allocate_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmServiceServer).Allocate(ctx, req.(*VmServiceAllocateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _VmService_Free_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VmServiceFreeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmServiceServer).Free(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VmService_Free_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmServiceServer).Free(ctx, req.(*VmServiceFreeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _VmService_Start_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VmServiceStartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmServiceServer).Start(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VmService_Start_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmServiceServer).Start(ctx, req.(*VmServiceStartRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _VmService_Stop_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VmServiceStopRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmServiceServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VmService_Stop_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmServiceServer).Stop(ctx, req.(*VmServiceStopRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _VmService_List_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VmServiceListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmServiceServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VmService_List_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmServiceServer).List(ctx, req.(*VmServiceListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var VmService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: vmServiceName,
	HandlerType: (*VmServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Allocate", Handler: _VmService_Allocate_Handler},
		{MethodName: "Free", Handler: _VmService_Free_Handler},
		{MethodName: "Start", Handler: _VmService_Start_Handler},
		{MethodName: "Stop", Handler: _VmService_Stop_Handler},
		{MethodName: "List", Handler: _VmService_List_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vms.proto",
}
