package target

import "errors"

var (
	// ErrResolvedLocal is returned when Forward is handed a Local
	// resolution; callers are expected to have dispatched locally
	// before reaching the router.
	ErrResolvedLocal = errors.New("target: resolved target is local, nothing to forward")
	// ErrMissingCertMaterial is returned when a VM target must be
	// dialed but the router was constructed without client certificate
	// material. VM forwarding is mutual-TLS only.
	ErrMissingCertMaterial = errors.New("target: no client certificate material for vm forwarding")
	// ErrNoAgentSocket is returned when a cell exists in the registry
	// but carries no nested agent socket to forward to.
	ErrNoAgentSocket = errors.New("target: cell has no nested agent socket")
)
