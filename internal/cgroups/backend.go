// Package cgroups implements the CgroupBackend port: creation,
// configuration, enumeration, and teardown of a nested cgroup-v2
// subtree.
package cgroups

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Backend is the CgroupBackend port described by the spec: create,
// configure, and tear down a nested cgroup-v2 subtree, and enumerate
// the pids that live in it.
type Backend interface {
	// Create makes the subtree at path (relative to the cgroup-v2
	// mount root) and applies spec. The parent subtree must already
	// exist; ErrParentMissing is returned otherwise.
	Create(path string, spec Spec) error
	// Configure (re)applies spec to an existing subtree.
	Configure(path string, spec Spec) error
	// KillAll sends SIGKILL to every process in path via cgroup.kill.
	KillAll(path string) error
	// Destroy removes the (assumed empty) subtree directory.
	Destroy(path string) error
	// Pids returns the unordered set of pids currently in path.
	Pids(path string) ([]int, error)
}

// LinuxBackend is the real cgroup-v2 implementation, rooted at a
// configurable mountpoint (normally /sys/fs/cgroup) so tests can point
// it at a scratch directory.
type LinuxBackend struct {
	root   string
	logger *zap.Logger
}

var _ Backend = (*LinuxBackend)(nil)

// NewLinuxBackend returns a backend rooted at root (typically
// /sys/fs/cgroup).
func NewLinuxBackend(root string, logger *zap.Logger) *LinuxBackend {
	return &LinuxBackend{root: root, logger: logger}
}

func (b *LinuxBackend) abs(path string) string {
	return filepath.Join(b.root, path)
}

func (b *LinuxBackend) Create(path string, spec Spec) error {
	parent := filepath.Dir(path)
	parentAbs := b.abs(parent)
	if parent != "." && parent != "/" {
		if _, err := os.Stat(parentAbs); err != nil {
			if os.IsNotExist(err) {
				return ErrParentMissing
			}
			return fmt.Errorf("stat parent cgroup %s: %w", parentAbs, err)
		}
	}

	if _, err := os.Stat(b.abs(path)); err == nil {
		return ErrAlreadyExists
	}

	if err := b.enableControllers(parentAbs, spec.controllerNames()); err != nil {
		return err
	}

	if err := os.Mkdir(b.abs(path), 0o755); err != nil {
		return mapCgroupfsError(err)
	}

	return b.Configure(path, spec)
}

// enableControllers writes "+cpu +cpuset +memory" (as applicable) to
// the parent's cgroup.subtree_control so the child may use them. A
// controller already enabled is left alone; the write is idempotent.
func (b *LinuxBackend) enableControllers(parentAbs string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	controlPath := filepath.Join(parentAbs, "cgroup.subtree_control")
	var sb strings.Builder
	for i, n := range names {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('+')
		sb.WriteString(n)
	}
	if err := os.WriteFile(controlPath, []byte(sb.String()), 0o644); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return ErrControllerNotAvailable
		}
		return mapCgroupfsError(err)
	}
	return nil
}

func (b *LinuxBackend) Configure(path string, spec Spec) error {
	dir := b.abs(path)

	writeOpt := func(file string, v *uint64) error {
		if v == nil {
			return nil
		}
		return writeFile(filepath.Join(dir, file), strconv.FormatUint(*v, 10))
	}
	writeOptStr := func(file string, v *string) error {
		if v == nil {
			return nil
		}
		return writeFile(filepath.Join(dir, file), *v)
	}

	if c := spec.CPU; c != nil {
		if err := writeOpt("cpu.weight", c.Weight); err != nil {
			return err
		}
		if c.Max != nil {
			// A single value updates only the quota; the period is
			// written only when set.
			v := strconv.FormatUint(*c.Max, 10)
			if c.Period != nil {
				v = fmt.Sprintf("%d %d", *c.Max, *c.Period)
			}
			if err := writeFile(filepath.Join(dir, "cpu.max"), v); err != nil {
				return err
			}
		}
	}
	if c := spec.Cpuset; c != nil {
		if err := writeOptStr("cpuset.cpus", c.Cpus); err != nil {
			return err
		}
		if err := writeOptStr("cpuset.mems", c.Mems); err != nil {
			return err
		}
	}
	if m := spec.Memory; m != nil {
		if err := writeOpt("memory.min", m.Min); err != nil {
			return err
		}
		if err := writeOpt("memory.low", m.Low); err != nil {
			return err
		}
		if err := writeOpt("memory.high", m.High); err != nil {
			return err
		}
		if err := writeOpt("memory.max", m.Max); err != nil {
			return err
		}
	}
	return nil
}

func (b *LinuxBackend) KillAll(path string) error {
	return writeFile(filepath.Join(b.abs(path), "cgroup.kill"), "1")
}

func (b *LinuxBackend) Destroy(path string) error {
	if err := unix.Rmdir(b.abs(path)); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return mapCgroupfsError(err)
	}
	return nil
}

func (b *LinuxBackend) Pids(path string) ([]int, error) {
	f, err := os.Open(filepath.Join(b.abs(path), "cgroup.procs"))
	if err != nil {
		return nil, mapCgroupfsError(err)
	}
	defer f.Close()

	var pids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}

func writeFile(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return mapCgroupfsError(err)
	}
	return nil
}

func mapCgroupfsError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrParentMissing
	case errors.Is(err, os.ErrExist):
		return ErrAlreadyExists
	case errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, unix.EINVAL):
		return ErrControllerRejected
	default:
		return err
	}
}
