// Package observe provides the ObserveService collaborator:
// Executables register their stdout/stderr streams here once a pid is
// known, and unregister them on stop. The channel plumbing that
// consumes these streams (shipping them to a log sink) is out of
// scope; this package only owns the register/unregister contract and
// bookkeeping Executables and the rest of the agent rely on.
package observe

import (
	"fmt"
	"io"
	"sync"
)

// LogChannelType distinguishes the two streams an Executable exposes.
type LogChannelType int

const (
	Stdout LogChannelType = iota
	Stderr
)

func (t LogChannelType) String() string {
	if t == Stderr {
		return "stderr"
	}
	return "stdout"
}

// ChannelKey identifies one log channel within the service.
type ChannelKey struct {
	Owner   string
	Channel LogChannelType
}

// ObserveService registers and unregisters an Executable's log
// channels. Registration is shared-ownership / clone-on-register: the
// registry holds its own reference to the stream independent of the
// Executable's own lifecycle.
type ObserveService interface {
	Register(owner string, channel LogChannelType, r io.ReadCloser) error
	Unregister(owner string, channel LogChannelType) error
}

// InMemory is a minimal ObserveService: it tracks registered channels
// without shipping their contents anywhere. A real deployment would
// replace this with a sink that fans bytes out to subscribers; that
// plumbing is explicitly out of scope here.
type InMemory struct {
	mu       sync.Mutex
	channels map[ChannelKey]io.ReadCloser
}

var _ ObserveService = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{channels: make(map[ChannelKey]io.ReadCloser)}
}

func (s *InMemory) Register(owner string, channel LogChannelType, r io.ReadCloser) error {
	if r == nil {
		return fmt.Errorf("observe: nil channel for %s/%s", owner, channel)
	}
	key := ChannelKey{Owner: owner, Channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[key] = r
	return nil
}

func (s *InMemory) Unregister(owner string, channel LogChannelType) error {
	key := ChannelKey{Owner: owner, Channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.channels[key]
	if !ok {
		return nil
	}
	delete(s.channels, key)
	return r.Close()
}

// Len reports the number of currently registered channels, mostly for
// tests.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}
