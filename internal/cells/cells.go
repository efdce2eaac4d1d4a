package cells

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cellmesh/agentd/internal/cgroups"
	"github.com/cellmesh/agentd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Cells is the process-wide cell registry: a tree keyed by
// slash-delimited path, guarded by a single mutex. It is the sole
// owner of every Cell it holds.
type Cells struct {
	mu      sync.Mutex
	backend cgroups.Backend
	spawner NestedSpawner
	cgroupRoot string

	index map[Name]*Cell // every cell, flat, for O(1) lookup
	roots map[Name]*Cell // top-level cells (no parent)
	procs map[Name]*NestedProcess

	logger *zap.Logger
}

// New returns an empty registry rooted at the given cgroupfs root
// path (normally /sys/fs/cgroup - cgroupRoot is used only to compute
// absolute paths for the nested-agent cgroup FD, the backend already
// knows its own root).
func New(backend cgroups.Backend, spawner NestedSpawner, cgroupRoot string, logger *zap.Logger) *Cells {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cells{
		backend:    backend,
		spawner:    spawner,
		cgroupRoot: cgroupRoot,
		index:      make(map[Name]*Cell),
		roots:      make(map[Name]*Cell),
		procs:      make(map[Name]*NestedProcess),
		logger:     logger,
	}
}

// Allocate creates path's cgroup subtree, configures its controllers,
// spawns a nested agent inside it, and registers the cell. Ancestors
// are never created implicitly: if path has a parent and that parent
// is not already in the registry, ErrCellParentMissing is returned.
func (c *Cells) Allocate(ctx context.Context, path Name, spec Spec) (*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[path]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCellExists, path)
	}

	var parent *Cell
	if parentName, ok := path.Parent(); ok {
		p, ok := c.index[parentName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCellParentMissing, parentName)
		}
		parent = p
	}

	if err := c.backend.Create(string(path), spec.Cgroup); err != nil {
		err = fmt.Errorf("create cgroup for cell %s: %w", path, err)
		telemetry.ReportCriticalError(ctx, err, attribute.String("cell", string(path)))
		return nil, err
	}

	cell := newCell(path, spec)

	nested, err := c.spawner.Spawn(path, spec, filepath.Join(c.cgroupRoot, string(path)))
	if err != nil {
		_ = c.backend.Destroy(string(path))
		err = fmt.Errorf("spawn nested agent for cell %s: %w", path, err)
		telemetry.ReportCriticalError(ctx, err, attribute.String("cell", string(path)))
		return nil, err
	}
	cell.socket = nested.Socket
	c.procs[path] = nested

	c.index[path] = cell
	if parent != nil {
		parent.children[path] = cell
	} else {
		c.roots[path] = cell
	}

	telemetry.ReportEvent(ctx, "cell allocated", attribute.String("cell", string(path)))
	return cell, nil
}

// Free walks path's children first (requesting their free), kills any
// remaining PIDs, then destroys the subtree. Not atomic across the
// subtree: partial failure leaves a best-effort state and an
// aggregate error.
func (c *Cells) Free(ctx context.Context, path Name) error {
	c.mu.Lock()
	cell, ok := c.index[path]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCellNotFound, path)
	}
	err := c.freeCell(ctx, cell)
	if err != nil {
		telemetry.ReportCriticalError(ctx, err, attribute.String("cell", string(path)))
		return err
	}
	telemetry.ReportEvent(ctx, "cell freed", attribute.String("cell", string(path)))
	return nil
}

func (c *Cells) freeCell(ctx context.Context, cell *Cell) error {
	var errs []error

	c.mu.Lock()
	children := make([]*Cell, 0, len(cell.children))
	for _, child := range cell.children {
		children = append(children, child)
	}
	c.mu.Unlock()

	for _, child := range children {
		if err := c.freeCell(ctx, child); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	nested := c.procs[cell.name]
	c.mu.Unlock()
	if nested != nil {
		if err := c.spawner.Stop(nested); err != nil {
			err = fmt.Errorf("stop nested agent for %s: %w", cell.name, err)
			telemetry.ReportError(ctx, err, attribute.String("cell", string(cell.name)))
			errs = append(errs, err)
		}
	}

	if pids, err := c.backend.Pids(string(cell.name)); err == nil && len(pids) > 0 {
		if err := c.backend.KillAll(string(cell.name)); err != nil {
			err = fmt.Errorf("kill_all %s: %w", cell.name, err)
			telemetry.ReportError(ctx, err, attribute.String("cell", string(cell.name)))
			errs = append(errs, err)
		}
	}

	if err := c.backend.Destroy(string(cell.name)); err != nil {
		err = fmt.Errorf("destroy cgroup %s: %w", cell.name, err)
		telemetry.ReportError(ctx, err, attribute.String("cell", string(cell.name)))
		errs = append(errs, err)
	}

	c.mu.Lock()
	c.removeLocked(cell)
	c.mu.Unlock()

	return errors.Join(errs...)
}

func (c *Cells) removeLocked(cell *Cell) {
	cell.socket = ""
	delete(c.index, cell.name)
	delete(c.procs, cell.name)
	if parentName, ok := cell.name.Parent(); ok {
		if parent, ok := c.index[parentName]; ok {
			delete(parent.children, cell.name)
		}
	} else {
		delete(c.roots, cell.name)
	}
}

// BroadcastFree attempts a graceful free of every root cell.
func (c *Cells) BroadcastFree(ctx context.Context) {
	c.mu.Lock()
	roots := make([]*Cell, 0, len(c.roots))
	for _, r := range c.roots {
		roots = append(roots, r)
	}
	c.mu.Unlock()

	for _, r := range roots {
		if err := c.freeCell(ctx, r); err != nil {
			err = fmt.Errorf("graceful free of %s: %w", r.name, err)
			telemetry.ReportError(ctx, err, attribute.String("cell", string(r.name)))
			c.logger.Error("graceful free failed", zap.String("cell", string(r.name)), zap.Error(err))
		}
	}
}

// BroadcastKill is the forceful follow-up for roots that did not free
// gracefully: walking each subtree children first, it writes
// cgroup.kill and removes each cgroup without stopping the nested
// agents gracefully first.
func (c *Cells) BroadcastKill(ctx context.Context) {
	c.mu.Lock()
	roots := make([]*Cell, 0, len(c.roots))
	for _, r := range c.roots {
		roots = append(roots, r)
	}
	c.mu.Unlock()

	for _, r := range roots {
		c.forceKill(ctx, r)
	}
}

func (c *Cells) forceKill(ctx context.Context, cell *Cell) {
	c.mu.Lock()
	children := make([]*Cell, 0, len(cell.children))
	for _, child := range cell.children {
		children = append(children, child)
	}
	c.mu.Unlock()

	for _, child := range children {
		c.forceKill(ctx, child)
	}
	if err := c.backend.KillAll(string(cell.name)); err != nil {
		err = fmt.Errorf("force kill %s: %w", cell.name, err)
		telemetry.ReportError(ctx, err, attribute.String("cell", string(cell.name)))
		c.logger.Error("force kill failed", zap.String("cell", string(cell.name)), zap.Error(err))
	}
	if err := c.backend.Destroy(string(cell.name)); err != nil {
		err = fmt.Errorf("force destroy %s: %w", cell.name, err)
		telemetry.ReportError(ctx, err, attribute.String("cell", string(cell.name)))
		c.logger.Error("force destroy failed", zap.String("cell", string(cell.name)), zap.Error(err))
	}
	c.mu.Lock()
	c.removeLocked(cell)
	c.mu.Unlock()
}

// Get projects fn over the cell at path under the registry lock, so
// the caller never retains a reference past the critical section.
func Get[T any](c *Cells, path Name, fn func(*Cell) T) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	cell, ok := c.index[path]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrCellNotFound, path)
	}
	return fn(cell), nil
}

// GetAll projects fn over every root cell (children are reachable
// through Cell.Children for callers that need the full tree).
func GetAll[T any](c *Cells, fn func(*Cell) T) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, 0, len(c.roots))
	for _, r := range c.roots {
		out = append(out, fn(r))
	}
	return out
}
