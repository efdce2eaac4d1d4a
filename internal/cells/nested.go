package cells

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NestedProcess is a handle on a running nested agent instance,
// opaque enough for Cells to stop it during free without depending on
// the executables package (the nested agent is not a registered
// Executable - it is the cell's own control-plane listener).
type NestedProcess struct {
	Socket string
	proc   *os.Process
	// hostLink is the agent-side end of the cell's veth pair, deleted
	// on stop; the in-cell peer dies with the namespace itself.
	hostLink string
}

// NestedSpawner launches a fresh instance of this very agent binary,
// wired to a private Unix socket, inside the namespaces a cell's
// IsolationSpec asks for, and landed directly in the cell's cgroup.
type NestedSpawner interface {
	Spawn(path Name, spec Spec, cgroupAbsPath string) (*NestedProcess, error)
	Stop(p *NestedProcess) error
}

// LinuxNestedSpawner re-execs the running binary with a private
// runtime socket, using SysProcAttr.UseCgroupFD (CLONE_INTO_CGROUP) so
// the nested agent - and everything it later forks - lands in the
// cell's cgroup without a second "move this pid" write, and
// Cloneflags to isolate pid/net namespaces per the cell's spec.
type LinuxNestedSpawner struct {
	AgentBinary string
	RuntimeDir  string
	Logger      *zap.Logger
}

var _ NestedSpawner = (*LinuxNestedSpawner)(nil)

func (s *LinuxNestedSpawner) socketPath(path Name) string {
	return filepath.Join(s.RuntimeDir, "cells", string(path), "agent.sock")
}

func (s *LinuxNestedSpawner) Spawn(path Name, spec Spec, cgroupAbsPath string) (*NestedProcess, error) {
	socket := s.socketPath(path)
	if err := os.MkdirAll(filepath.Dir(socket), 0o750); err != nil {
		return nil, fmt.Errorf("create nested agent runtime dir: %w", err)
	}
	_ = os.Remove(socket) // stale socket from a previous crash

	cmd := exec.Command(s.AgentBinary, "--socket", socket, "--nested")

	attr := &syscall.SysProcAttr{}
	var cloneFlags uintptr
	if spec.Isolation.IsolateProcess {
		cloneFlags |= unix.CLONE_NEWPID
	}
	if spec.Isolation.IsolateNetwork {
		cloneFlags |= unix.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags

	if cgroupAbsPath != "" {
		cgroupFD, err := unix.Open(cgroupAbsPath, unix.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open cell cgroup dir: %w", err)
		}
		defer unix.Close(cgroupFD)
		attr.UseCgroupFD = true
		attr.CgroupFD = cgroupFD
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn nested agent for cell %s: %w", path, err)
	}

	if spec.Isolation.IsolateNetwork {
		// Best-effort: give the isolated netns a stable name derived
		// from the cell path, the way `ip netns` names persist one.
		// Failure here does not fail allocation - it only means the
		// namespace can't be addressed by name later, still usable via
		// /proc/<pid>/ns/net.
		if err := persistNamedNetns(cmd.Process.Pid, netnsName(path)); err != nil && s.Logger != nil {
			s.Logger.Warn("failed to persist named network namespace",
				zap.String("cell", string(path)), zap.Error(err))
		}
		// Equally best-effort: bring the namespace's interfaces up so
		// the cell's workloads have a usable network view. The cell
		// stays allocated on failure - pid/cgroup isolation does not
		// depend on link state.
		if err := configureNetns(cmd.Process.Pid, path); err != nil && s.Logger != nil {
			s.Logger.Warn("failed to configure isolated network namespace",
				zap.String("cell", string(path)), zap.Error(err))
		}
	}

	nested := &NestedProcess{Socket: socket, proc: cmd.Process}
	if spec.Isolation.IsolateNetwork {
		nested.hostLink = "cv-" + linkSuffix(path)
	}
	return nested, nil
}

func (s *LinuxNestedSpawner) Stop(p *NestedProcess) error {
	if p == nil || p.proc == nil {
		return nil
	}
	if p.hostLink != "" {
		if link, err := netlink.LinkByName(p.hostLink); err == nil {
			if err := netlink.LinkDel(link); err != nil && s.Logger != nil {
				s.Logger.Warn("failed to delete cell veth", zap.String("link", p.hostLink), zap.Error(err))
			}
		}
	}
	if err := p.proc.Signal(syscall.SIGTERM); err != nil {
		return nil //nolint:nilerr // already gone; nothing to clean up
	}
	_, _ = p.proc.Wait()
	return nil
}

func netnsName(path Name) string {
	return "cell-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(path)).String()
}

// linkSuffix derives a short, stable identifier for the cell's link
// names; interface names are capped at 15 bytes so the full uuid from
// netnsName cannot be reused here.
func linkSuffix(path Name) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(path)).String()[:8]
}

// configureNetns brings the isolated namespace's interfaces up:
// loopback first, then a veth pair whose host end stays in the agent's
// namespace. Address assignment and routing on the pair are left to
// the operator - the cell spec carries no subnet configuration.
func configureNetns(pid int, path Name) error {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("get netns of pid %d: %w", pid, err)
	}
	defer ns.Close()

	nsHandle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle for cell netns: %w", err)
	}
	defer nsHandle.Close()

	lo, err := nsHandle.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find lo in cell netns: %w", err)
	}
	if err := nsHandle.LinkSetUp(lo); err != nil {
		return fmt.Errorf("set lo up in cell netns: %w", err)
	}

	return setupVethPair(nsHandle, ns, path)
}

// setupVethPair creates cv-<suffix> in the agent's namespace with its
// peer vp-<suffix> inside the cell's, and brings both ends up.
func setupVethPair(nsHandle *netlink.Handle, ns netns.NsHandle, path Name) error {
	suffix := linkSuffix(path)
	hostName := "cv-" + suffix
	peerName := "vp-" + suffix

	veth := &netlink.Veth{
		LinkAttrs:     netlink.LinkAttrs{Name: hostName},
		PeerName:      peerName,
		PeerNamespace: netlink.NsFd(int(ns)),
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("create veth pair %s/%s: %w", hostName, peerName, err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return fmt.Errorf("set %s up: %w", hostName, err)
	}

	vpeer, err := nsHandle.LinkByName(peerName)
	if err != nil {
		return fmt.Errorf("find %s in cell netns: %w", peerName, err)
	}
	if err := nsHandle.LinkSetUp(vpeer); err != nil {
		return fmt.Errorf("set %s up: %w", peerName, err)
	}
	return nil
}

// persistNamedNetns bind-mounts the network namespace of pid onto
// /var/run/netns/<name>, the same mechanism the `ip netns` tooling
// uses, so the namespace outlives /proc/<pid>/ns/net once the nested
// agent's pid wraps around.
func persistNamedNetns(pid int, name string) error {
	const netnsDir = "/var/run/netns"
	if err := os.MkdirAll(netnsDir, 0o755); err != nil {
		return err
	}

	target := filepath.Join(netnsDir, name)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	f.Close()

	handle, err := netns.GetFromPid(pid)
	if err != nil {
		_ = os.Remove(target)
		return err
	}
	defer handle.Close()

	if err := unix.Mount(fmt.Sprintf("/proc/%d/ns/net", pid), target, "", unix.MS_BIND, ""); err != nil {
		_ = os.Remove(target)
		return err
	}
	return nil
}
