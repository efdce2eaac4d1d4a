// Package cells implements the Cells registry: a tree of cgroup-v2
// backed, optionally namespace-isolated process groups, each
// optionally fronted by a nested agent socket.
package cells

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cellmesh/agentd/internal/cgroups"
)

// Name is a validated, slash-delimited cell path. Each segment must
// match segmentPattern.
type Name string

var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateName checks that s is a non-empty slash-delimited path whose
// segments are all conservative identifiers.
func ValidateName(s string) (Name, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	for _, seg := range strings.Split(s, "/") {
		if !segmentPattern.MatchString(seg) {
			return "", fmt.Errorf("%w: segment %q", ErrInvalidName, seg)
		}
	}
	return Name(s), nil
}

// Parent returns the path with its last segment removed, and true if
// n has a parent (i.e. is not a single segment).
func (n Name) Parent() (Name, bool) {
	idx := strings.LastIndex(string(n), "/")
	if idx < 0 {
		return "", false
	}
	return n[:idx], true
}

// IsolationSpec selects the namespaces a cell's nested agent is
// launched into.
type IsolationSpec struct {
	IsolateProcess bool
	IsolateNetwork bool
}

// Spec is the declarative configuration of a cell: its cgroup
// controllers plus isolation flags.
type Spec struct {
	Cgroup    cgroups.Spec
	Isolation IsolationSpec
}

// Cell is a single node in the cell tree: a cgroup-v2 subtree plus an
// optional nested agent socket and a set of child cells.
type Cell struct {
	name     Name
	spec     Spec
	socket   string // empty until allocated, or after free
	children map[Name]*Cell
}

func newCell(name Name, spec Spec) *Cell {
	return &Cell{name: name, spec: spec, children: make(map[Name]*Cell)}
}

// Name returns the cell's full path.
func (c *Cell) Name() Name { return c.name }

// Spec returns the cell's cgroup/isolation specification.
func (c *Cell) Spec() Spec { return c.spec }

// Socket returns the nested agent's Unix socket path, or "" if the
// cell has no running nested agent (not yet allocated, or freed).
func (c *Cell) Socket() string { return c.socket }

// Children returns the cell's direct children, keyed by full path.
func (c *Cell) Children() map[Name]*Cell { return c.children }
