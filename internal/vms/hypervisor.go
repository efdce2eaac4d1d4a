package vms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Handle is a running (or paused) microVM. Its internal lock is the
// serialisation point for pause/resume/stop - callers never need a
// lock of their own around these calls.
type Handle interface {
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context, exitCode int) error
	GuestSocketAddr() string
}

// HypervisorBackend builds a paused microVM from a declarative Spec.
// The backend's identity (Firecracker, cloud-hypervisor, ...) is
// abstracted entirely behind this port.
type HypervisorBackend interface {
	Build(ctx context.Context, id string, spec Spec) (Handle, error)
}

// firecrackerHandle drives one Firecracker instance over its REST API,
// reached through a Unix-domain API socket. The generated swagger
// client the original hypervisor package relies on requires a real
// swagger-codegen pass to reproduce faithfully; this talks the same
// well-documented REST surface directly over net/http.
type firecrackerHandle struct {
	httpClient *http.Client
	guestAddr  string
}

var _ Handle = (*firecrackerHandle)(nil)

// FirecrackerBackend launches (or attaches to) firecracker processes
// whose API socket lives under RuntimeDir/<id>/api.sock.
type FirecrackerBackend struct {
	RuntimeDir string
	// Launcher starts (or has already started) the firecracker binary
	// bound to the given API socket path, returning once the socket is
	// ready to accept connections.
	Launcher func(ctx context.Context, id string, apiSocket string) error
}

var _ HypervisorBackend = (*FirecrackerBackend)(nil)

func (b *FirecrackerBackend) apiSocketPath(id string) string {
	return b.RuntimeDir + "/" + id + "/api.sock"
}

// mmdsAddress is the fixed link-local address the guest reaches its
// metadata service at.
const mmdsAddress = "169.254.169.254"

func (b *FirecrackerBackend) Build(ctx context.Context, id string, spec Spec) (Handle, error) {
	apiSocket := b.apiSocketPath(id)
	if spec.VsockUDSPath == "" {
		spec.VsockUDSPath = b.RuntimeDir + "/" + id + "/agent.vsock"
	}
	if spec.VsockGuestCID == 0 {
		spec.VsockGuestCID = 3 // first CID not reserved for the hypervisor/host
	}
	if b.Launcher != nil {
		if err := b.Launcher(ctx, id, apiSocket); err != nil {
			return nil, fmt.Errorf("%w: launch firecracker: %v", ErrBadConfiguration, err)
		}
	}

	h := &firecrackerHandle{
		httpClient: unixSocketClient(apiSocket),
		guestAddr:  spec.GuestAgentAddress,
	}

	if err := h.configure(ctx, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfiguration, err)
	}
	return h, nil
}

func unixSocketClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}
}

// configure replays the same sequence the original Firecracker
// supervisor used: boot source, drives, network interfaces, vsock,
// MMDS, machine config, then InstanceStart followed by a pause - leaving
// the VM paused, ready for Resume.
func (h *firecrackerHandle) configure(ctx context.Context, spec Spec) error {
	if err := h.put(ctx, "/boot-source", map[string]any{
		"kernel_image_path": spec.KernelImagePath,
		"boot_args":         spec.KernelArgs,
	}); err != nil {
		return fmt.Errorf("boot source: %w", err)
	}

	root := true
	if err := h.put(ctx, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   spec.RootfsPath,
		"is_root_device": root,
		"is_read_only":   spec.RootfsReadOnly,
	}); err != nil {
		return fmt.Errorf("rootfs drive: %w", err)
	}
	notRoot := false
	for _, m := range spec.DriveMounts {
		id := m.DriveID
		if id == "" {
			id = m.HostPath
		}
		if err := h.put(ctx, "/drives/"+id, map[string]any{
			"drive_id":       id,
			"path_on_host":   m.HostPath,
			"is_root_device": notRoot,
			"is_read_only":   m.ReadOnly,
		}); err != nil {
			return fmt.Errorf("drive mount %s: %w", id, err)
		}
	}

	ifaceIDs := make([]string, 0, len(spec.NetworkIfaces))
	for i, nic := range spec.NetworkIfaces {
		ifaceID := fmt.Sprintf("eth%d", i)
		if err := h.put(ctx, "/network-interfaces/"+ifaceID, map[string]any{
			"iface_id":      ifaceID,
			"guest_mac":     nic.MacAddress,
			"host_dev_name": nic.HostDevName,
		}); err != nil {
			return fmt.Errorf("network interface %s: %w", ifaceID, err)
		}
		ifaceIDs = append(ifaceIDs, ifaceID)
	}

	if err := h.put(ctx, "/vsock", map[string]any{
		"guest_cid": spec.VsockGuestCID,
		"uds_path":  spec.VsockUDSPath,
	}); err != nil {
		return fmt.Errorf("vsock: %w", err)
	}

	// MMDS rides on the guest NICs, so it can only be configured when
	// at least one exists.
	if len(ifaceIDs) > 0 {
		if err := h.put(ctx, "/mmds/config", map[string]any{
			"version":            "V2",
			"network_interfaces": ifaceIDs,
			"ipv4_address":       mmdsAddress,
		}); err != nil {
			return fmt.Errorf("mmds config: %w", err)
		}
	}

	if err := h.put(ctx, "/machine-config", map[string]any{
		"vcpu_count":   spec.VcpuCount,
		"mem_size_mib": spec.MemSizeMB,
		"smt":          false,
	}); err != nil {
		return fmt.Errorf("machine config: %w", err)
	}

	if err := h.put(ctx, "/actions", map[string]any{
		"action_type": "InstanceStart",
	}); err != nil {
		return fmt.Errorf("instance start: %w", err)
	}
	if err := h.Pause(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	return nil
}

func (h *firecrackerHandle) Resume(ctx context.Context) error {
	return h.patch(ctx, "/vm", map[string]any{"state": "Resumed"})
}

func (h *firecrackerHandle) Pause(ctx context.Context) error {
	return h.patch(ctx, "/vm", map[string]any{"state": "Paused"})
}

func (h *firecrackerHandle) Stop(ctx context.Context, exitCode int) error {
	return h.put(ctx, "/actions", map[string]any{
		"action_type": "SendCtrlAltDel",
	})
}

func (h *firecrackerHandle) GuestSocketAddr() string { return h.guestAddr }

func (h *firecrackerHandle) put(ctx context.Context, path string, body any) error {
	return h.do(ctx, http.MethodPut, path, body)
}

func (h *firecrackerHandle) patch(ctx context.Context, path string, body any) error {
	return h.do(ctx, http.MethodPatch, path, body)
}

func (h *firecrackerHandle) do(ctx context.Context, method, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://firecracker"+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("firecracker api %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}
