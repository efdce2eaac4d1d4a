// Package executables implements the Executable and Executables
// registry: a single supervised OS child process tracked by name
// within one agent, and the in-memory cache that owns them.
package executables

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Name identifies an Executable, unique within one Executables
// registry.
type Name string

// Spec is the declarative description of a child process: the image
// to execve directly (never shell-wrapped) plus its arguments and
// working directory.
type Spec struct {
	Name       Name
	Path       string
	Args       []string
	WorkingDir string
}

// killGrace is how long kill() waits after SIGTERM before escalating
// to SIGKILL.
const killGrace = 3 * time.Second

// Executable supervises a single OS child process. It is created
// fresh on every start - it is never pre-registered - and the
// Executables registry is the only thing that retains a reference to
// it past the call that created it.
type Executable struct {
	Name Name
	spec Spec

	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	started bool

	// Stdout and Stderr are the read ends of the child's pipes. They
	// are handed to ObserveService for streaming and must be read
	// concurrently with the process running or the child will block on
	// a full pipe buffer.
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// newExecutable constructs an Executable description; it does not
// start anything.
func newExecutable(spec Spec) *Executable {
	return &Executable{Name: spec.Name, spec: spec}
}

// Pid returns the child's pid, or 0 if it was never started.
func (e *Executable) Pid() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// Start forks the child directly (no shell wrapper) under the
// requested uid/gid, defaulting to the agent's own credentials when
// nil. Executing the image directly, rather than via "sh -c", is load
// bearing: a shell-wrapped spawn makes the tracked pid the shell, which
// exits immediately and orphans the real child, so a later kill() sees
// "no child process" instead of the process it meant to stop.
func (e *Executable) Start(uid, gid *uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.Command(e.spec.Path, e.spec.Args...)
	cmd.Dir = e.spec.WorkingDir

	if uid != nil || gid != nil {
		cred := &syscall.Credential{}
		if uid != nil {
			cred.Uid = *uid
		}
		if gid != nil {
			cred.Gid = *gid
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %w", ErrFailedToStart, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %w", ErrFailedToStart, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToStart, err)
	}

	e.cmd = cmd
	e.pid = cmd.Process.Pid
	e.started = true
	e.Stdout = stdout
	e.Stderr = stderr
	return nil
}

// Kill is idempotent:
//   - never started -> (nil, nil)
//   - already reaped (ESRCH/ECHILD/not-found) -> a synthetic zero exit status, nil error
//   - alive -> SIGTERM, bounded wait, escalate to SIGKILL, reap, return the real status
//   - any other OS error -> wrapped ErrFailedToStop
func (e *Executable) Kill() (*syscall.WaitStatus, error) {
	e.mu.Lock()
	cmd := e.cmd
	started := e.started
	e.mu.Unlock()

	if !started {
		return nil, nil
	}

	if !processAlive(cmd.Process.Pid) {
		zero := syscall.WaitStatus(0)
		// Still reap so we don't leak a zombie if it only just exited.
		_ = cmd.Wait()
		return &zero, nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if isBenignOSError(err) {
			zero := syscall.WaitStatus(0)
			return &zero, nil
		}
		return nil, fmt.Errorf("%w: sigterm: %w", ErrFailedToStop, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		return statusFromWaitErr(cmd, waitErr)
	case <-time.After(killGrace):
		if err := cmd.Process.Signal(syscall.SIGKILL); err != nil && !isBenignOSError(err) {
			return nil, fmt.Errorf("%w: sigkill: %w", ErrFailedToStop, err)
		}
		waitErr := <-done
		return statusFromWaitErr(cmd, waitErr)
	}
}

func statusFromWaitErr(cmd *exec.Cmd, waitErr error) (*syscall.WaitStatus, error) {
	if waitErr == nil {
		status := cmd.ProcessState.Sys().(syscall.WaitStatus)
		return &status, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status := exitErr.Sys().(syscall.WaitStatus)
		return &status, nil
	}
	if isBenignOSError(waitErr) {
		zero := syscall.WaitStatus(0)
		return &zero, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrFailedToStop, waitErr)
}

func isBenignOSError(err error) bool {
	return errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, syscall.ECHILD) ||
		errors.Is(err, os.ErrNotExist)
}

// processAlive reports whether gopsutil still finds pid in the process
// table. It checks pid existence only: an unreaped zombie counts as
// alive, and a pid reused by an unrelated process is not told apart
// from the child we forked.
func processAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return exists
}
