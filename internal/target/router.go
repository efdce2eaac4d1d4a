package target

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cellmesh/agentd/internal/cells"
	"github.com/cellmesh/agentd/internal/vms"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Backoff policy shared by the dial and call retry phases: exponential
// from 50ms, x10 per attempt, +/-50% jitter, capped at 3s per interval
// and 20s total per phase.
const (
	retryInitialInterval = 50 * time.Millisecond
	retryMultiplier      = 10
	retryRandomization   = 0.5
	retryMaxInterval     = 3 * time.Second
	retryMaxElapsed      = 20 * time.Second

	dialAttemptTimeout = 3 * time.Second

	// transientTransportMessage is the one call-phase error message the
	// router treats as retryable, always carried under codes.Unknown.
	transientTransportMessage = "transport error"
)

// CertMaterial is the already-loaded PEM material the router presents
// when dialing a VM's guest agent. Loading it from the PKI directory
// is the caller's concern.
type CertMaterial struct {
	CACert     []byte
	ClientCert []byte
	ClientKey  []byte
}

func (m *CertMaterial) clientTLS() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(m.ClientCert, m.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("target: parse client keypair: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(m.CACert) {
		return nil, errors.New("target: no CA certificates parsed from material")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Router resolves ExecutionTargets against the live Cells and Vms
// registries and forwards RPCs to the resolved endpoint.
type Router struct {
	cells  *cells.Cells
	vms    *vms.Vms
	certs  *CertMaterial
	logger *zap.Logger

	// dial and newPolicy are swappable seams for tests.
	dial      func(ctx context.Context, addr string, creds credentials.TransportCredentials) (*grpc.ClientConn, error)
	newPolicy func(ctx context.Context) backoff.BackOff
}

// New builds a Router over the given registries. certs may be nil, in
// which case VM forwarding fails with ErrMissingCertMaterial.
func New(cellReg *cells.Cells, vmReg *vms.Vms, certs *CertMaterial, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cells:     cellReg,
		vms:       vmReg,
		certs:     certs,
		logger:    logger,
		dial:      blockingDial,
		newPolicy: retryPolicy,
	}
}

func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = retryRandomization
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsed
	return backoff.WithContext(b, ctx)
}

func blockingDial(ctx context.Context, addr string, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	// A blocking dial is the point here: the retry loop classifies
	// connect errors per attempt, which a lazy ClientConn would defer
	// to the first call.
	return grpc.DialContext(ctx, addr, //nolint:staticcheck
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),                 //nolint:staticcheck
		grpc.WithReturnConnectionError(), //nolint:staticcheck
	)
}

// Resolve turns an ExecutionTarget into a routing decision against the
// live registries. A vm_id resolves to the VM's guest socket (Running
// VMs only) with the cell path carried through; a bare cell path
// resolves its first segment to that cell's nested agent socket, with
// the remainder as the next hop's path.
func (r *Router) Resolve(t ExecutionTarget) (Resolved, error) {
	if t.IsLocal() {
		return Resolved{Kind: KindLocal}, nil
	}

	if t.VmID != "" {
		if r.vms == nil {
			return Resolved{}, fmt.Errorf("%w: %s", vms.ErrVmNotFound, t.VmID)
		}
		socket, err := r.vms.GetSocket(t.VmID)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: KindVm, Socket: socket, CellPath: t.CellPath}, nil
	}

	root, rest, _ := strings.Cut(t.CellPath, "/")
	rootName, err := cells.ValidateName(root)
	if err != nil {
		return Resolved{}, err
	}
	socket, err := cells.Get(r.cells, rootName, func(c *cells.Cell) string { return c.Socket() })
	if err != nil {
		return Resolved{}, err
	}
	if socket == "" {
		return Resolved{}, fmt.Errorf("%w: %s", ErrNoAgentSocket, root)
	}
	return Resolved{Kind: KindCell, Socket: socket, CellPath: rest}, nil
}

func (r *Router) transport(resolved Resolved) (addr string, creds credentials.TransportCredentials, err error) {
	switch resolved.Kind {
	case KindCell:
		return "unix://" + resolved.Socket, insecure.NewCredentials(), nil
	case KindVm:
		if r.certs == nil {
			return "", nil, ErrMissingCertMaterial
		}
		cfg, err := r.certs.clientTLS()
		if err != nil {
			return "", nil, err
		}
		return resolved.Socket, credentials.NewTLS(cfg), nil
	default:
		return "", nil, ErrResolvedLocal
	}
}

// Forward dials the resolved endpoint and invokes call against the
// connection. Connection errors on the dial phase and the narrow
// transient transport code on the call phase are retried under the
// backoff policy; everything else is permanent and surfaced as-is.
func (r *Router) Forward(ctx context.Context, resolved Resolved, call func(ctx context.Context, conn *grpc.ClientConn) (any, error)) (any, error) {
	addr, creds, err := r.transport(resolved)
	if err != nil {
		return nil, err
	}

	conn, err := r.dialWithRetry(ctx, addr, creds)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "dial %s: %v", resolved.Socket, err)
	}
	defer conn.Close() //nolint:errcheck

	var result any
	op := func() error {
		res, err := call(ctx, conn)
		if err != nil {
			if isTransientCallError(err) {
				r.logger.Warn("transient transport error forwarding, retrying",
					zap.String("socket", resolved.Socket), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}
	if err := backoff.Retry(op, r.newPolicy(ctx)); err != nil {
		if isTransientCallError(err) {
			return nil, status.Errorf(codes.Unavailable, "call %s: %v", resolved.Socket, err)
		}
		return nil, err
	}
	return result, nil
}

func (r *Router) dialWithRetry(ctx context.Context, addr string, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	var conn *grpc.ClientConn
	op := func() error {
		dctx, cancel := context.WithTimeout(ctx, dialAttemptTimeout)
		defer cancel()
		c, err := r.dial(dctx, addr, creds)
		if err != nil {
			if isConnectionError(err) {
				r.logger.Debug("dial failed, retrying", zap.String("addr", addr), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, r.newPolicy(ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// isConnectionError reports whether err is a connect-phase failure
// worth retrying: refused/reset/missing-socket syscall errors, net
// timeouts, and the per-attempt deadline firing before the endpoint
// accepted.
func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ENOENT:
			return true
		}
	}
	return false
}

// isTransientCallError matches the single retryable call-phase error:
// grpc Unknown carrying exactly the transient transport message.
func isTransientCallError(err error) bool {
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.Unknown && s.Message() == transientTransportMessage
}
