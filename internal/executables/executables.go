package executables

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cellmesh/agentd/internal/observe"
	"github.com/cellmesh/agentd/internal/telemetry"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Executables is the in-memory, per-agent registry of supervised
// child processes. It is the sole owner of every Executable it holds;
// callers never retain a reference past a registry call.
type Executables struct {
	mu      sync.Mutex
	cache   map[Name]*Executable
	observe observe.ObserveService

	logger *zap.Logger
}

// New returns an empty registry. A nil logger falls back to a no-op
// logger; a nil ObserveService falls back to an in-memory stub so
// channel registration is always safe to call.
func New(logger *zap.Logger, observeSvc observe.ObserveService) *Executables {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observeSvc == nil {
		observeSvc = observe.NewInMemory()
	}
	return &Executables{cache: make(map[Name]*Executable), logger: logger, observe: observeSvc}
}

// Start rejects a duplicate name before forking. A failed spawn never
// touches the cache, so the name remains free for a retry - the
// registry must never hold an unstartable entry.
func (e *Executables) Start(ctx context.Context, spec Spec, uid, gid *uint32) (*Executable, error) {
	e.mu.Lock()
	if _, exists := e.cache[spec.Name]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutableExists, spec.Name)
	}
	e.mu.Unlock()

	exe := newExecutable(spec)
	if err := exe.Start(uid, gid); err != nil {
		telemetry.ReportCriticalError(ctx, err, attribute.String("executable", string(spec.Name)))
		return nil, err
	}

	// Register stdout/stderr only now that the pid is known, per the
	// registration contract; a failure here is logged, not fatal - the
	// process itself is already running.
	e.registerChannels(exe)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.cache[spec.Name]; exists {
		// Lost a race with a concurrent Start of the same name; the
		// process we just forked is orphaned from the registry's point
		// of view, so kill it rather than leak it.
		_, _ = exe.Kill()
		e.unregisterChannels(exe)
		err := fmt.Errorf("%w: %s", ErrExecutableExists, spec.Name)
		telemetry.ReportCriticalError(ctx, err, attribute.String("executable", string(spec.Name)))
		return nil, err
	}
	e.cache[spec.Name] = exe
	telemetry.ReportEvent(ctx, "executable started", attribute.String("executable", string(spec.Name)), attribute.Int("pid", exe.Pid()))
	return exe, nil
}

func (e *Executables) registerChannels(exe *Executable) {
	if err := e.observe.Register(string(exe.Name), observe.Stdout, exe.Stdout); err != nil {
		e.logger.Warn("failed to register stdout channel", zap.String("name", string(exe.Name)), zap.Error(err))
	}
	if err := e.observe.Register(string(exe.Name), observe.Stderr, exe.Stderr); err != nil {
		e.logger.Warn("failed to register stderr channel", zap.String("name", string(exe.Name)), zap.Error(err))
	}
}

func (e *Executables) unregisterChannels(exe *Executable) {
	if err := e.observe.Unregister(string(exe.Name), observe.Stdout); err != nil {
		e.logger.Warn("failed to unregister stdout channel", zap.String("name", string(exe.Name)), zap.Error(err))
	}
	if err := e.observe.Unregister(string(exe.Name), observe.Stderr); err != nil {
		e.logger.Warn("failed to unregister stderr channel", zap.String("name", string(exe.Name)), zap.Error(err))
	}
}

// Get returns the named executable without removing it.
func (e *Executables) Get(name Name) (*Executable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exe, ok := e.cache[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	return exe, nil
}

// Stop kills and unconditionally removes name from the cache - the
// cache is authoritative for "exists", so cleanup must not strand
// entries behind a failed kill.
func (e *Executables) Stop(ctx context.Context, name Name) error {
	e.mu.Lock()
	exe, ok := e.cache[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	delete(e.cache, name)
	e.mu.Unlock()

	_, err := exe.Kill()
	// Unregistration happens after the kill attempt regardless of its
	// outcome - process state, not channel cleanup, is authoritative.
	e.unregisterChannels(exe)
	if err != nil {
		telemetry.ReportCriticalError(ctx, err, attribute.String("executable", string(name)))
		return err
	}
	telemetry.ReportEvent(ctx, "executable stopped", attribute.String("executable", string(name)))
	return nil
}

// BroadcastStop fans out a kill over every cached executable
// concurrently, logs each outcome, then clears the cache. It returns
// an aggregate of every per-entry failure so a caller such as
// GracefulShutdown can decide whether it is safe to proceed to a
// destructive follow-up step - the fan-out itself never aborts early
// on a single entry's failure.
func (e *Executables) BroadcastStop(ctx context.Context) error {
	e.ReconcileLive()

	e.mu.Lock()
	entries := make([]*Executable, 0, len(e.cache))
	for _, exe := range e.cache {
		entries = append(entries, exe)
	}
	e.mu.Unlock()

	errs := make([]error, len(entries))
	var wg sync.WaitGroup
	for i, exe := range entries {
		wg.Add(1)
		go func(i int, exe *Executable) {
			defer wg.Done()
			status, err := exe.Kill()
			e.unregisterChannels(exe)
			if err != nil {
				err = fmt.Errorf("stop %s: %w", exe.Name, err)
				telemetry.ReportError(ctx, err, attribute.String("executable", string(exe.Name)))
				e.logger.Error("failed to stop executable",
					zap.String("name", string(exe.Name)),
					zap.Int("pid", exe.Pid()),
					zap.Error(err))
				errs[i] = err
				return
			}
			e.logger.Debug("executable stopped",
				zap.String("name", string(exe.Name)),
				zap.Int("pid", exe.Pid()),
				zap.Any("status", status))
		}(i, exe)
	}
	wg.Wait()

	e.mu.Lock()
	for _, exe := range entries {
		delete(e.cache, exe.Name)
	}
	e.mu.Unlock()

	return errors.Join(errs...)
}

// ReconcileLive scans the cache against the OS process table and
// evicts any entry whose pid gopsutil no longer reports as alive,
// returning the names it evicted. A child that exited on its own stays
// in the process table as a zombie until reaped, so a zombie entry is
// reaped here and counted as dead. It does not kill or signal
// anything; it is a cache-consistency sweep, adapted narrowly from the
// teacher's orphan-sandbox scan rather than a recovery feature.
func (e *Executables) ReconcileLive() []Name {
	e.mu.Lock()
	entries := make([]*Executable, 0, len(e.cache))
	for _, exe := range e.cache {
		entries = append(entries, exe)
	}
	e.mu.Unlock()

	var dead []Name
	for _, exe := range entries {
		pid := exe.Pid()
		if pid == 0 {
			continue
		}
		alive, err := process.PidExists(int32(pid))
		if err == nil && alive {
			p, perr := process.NewProcess(int32(pid))
			if perr != nil {
				continue
			}
			st, serr := p.Status()
			if serr != nil || len(st) == 0 || st[0] != process.Zombie {
				continue
			}
			exe.mu.Lock()
			cmd := exe.cmd
			exe.mu.Unlock()
			_ = cmd.Wait()
		}
		dead = append(dead, exe.Name)
	}

	if len(dead) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, name := range dead {
		if exe, ok := e.cache[name]; ok {
			delete(e.cache, name)
			e.unregisterChannels(exe)
		}
	}
	e.mu.Unlock()

	for _, name := range dead {
		e.logger.Debug("reconcile: evicted dead executable", zap.String("name", string(name)))
	}
	return dead
}

// Len reports the number of live cache entries, mostly for tests.
func (e *Executables) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
