// Package acceptor implements the local TCP accept loop that supervises
// Bridges: binding the local port (fixed or ephemeral), one-shot vs
// persistent policy, and orderly termination on cancellation. Grounded on
// the teacher's sender.PortForward accept loop, generalized with explicit
// states and a one-shot mode.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/philsphicas/c8ylp/internal/c8yerr"
	"github.com/philsphicas/c8ylp/internal/tunnel"
)

// State is the one-way lifecycle of an Acceptor (§4.3).
type State int32

const (
	StateBinding State = iota
	StateListening
	StateAccepting
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "binding"
	}
}

// Handler bridges one accepted connection. It must return once the
// connection's Bridge has fully drained, and its error is the Bridge's
// outcome: non-nil if the bridge ended on anything other than a clean
// shutdown. In one-shot mode this error becomes Run's return value, so a
// post-open failure (e.g. the gateway dying mid-stream) still reaches the
// caller as something other than success; in persistent mode Run keeps
// accepting regardless, since one session's failure must not kill the
// others (§7).
type Handler func(ctx context.Context, conn net.Conn) error

// Config configures one Acceptor run.
type Config struct {
	Endpoint tunnel.LocalEndpoint
	Mode     tunnel.Mode
	// MaxConcurrent bounds simultaneous bridges in persistent mode. 0 means
	// the spec default of 1 (serial reuse of the listening socket); the
	// device-side protocol supports only one tunnel per invocation unless
	// explicitly loosened (§9 Open Question).
	MaxConcurrent int
	Handler       Handler
	// OnPortBound is called once, synchronously, with the actual bound
	// port before the first Accept returns — required so --port 0 callers
	// can log/observe the ephemeral port.
	OnPortBound func(port int)
	Logger      *slog.Logger
}

func (c Config) maxConcurrent() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return 1
}

// Acceptor binds a local port and supervises Bridges over accepted
// connections.
type Acceptor struct {
	cfg   Config
	state State
	mu    sync.Mutex
}

// New creates an Acceptor in state binding.
func New(cfg Config) *Acceptor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Acceptor{cfg: cfg, state: StateBinding}
}

// State returns the Acceptor's current lifecycle state.
func (a *Acceptor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Acceptor) setState(s State) {
	a.mu.Lock()
	if s > a.state {
		a.state = s
	}
	a.mu.Unlock()
}

// Run binds the configured endpoint and accepts connections until ctx is
// cancelled (persistent mode) or exactly one connection has been handled
// (one-shot mode). Bind failures are fatal and returned verbatim, typed as
// PortInUse or PermissionDenied. In one-shot mode, Run's return value is
// also the single Handler invocation's error, if any, so a Bridge that
// fails after opening (not just a failed bind/accept) is still visible to
// the caller; persistent mode never returns a Handler error here.
func (a *Acceptor) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Endpoint.Addr())
	if err != nil {
		return classifyBindErr(err)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup

	a.setState(StateListening)

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && a.cfg.OnPortBound != nil {
		a.cfg.OnPortBound(tcpAddr.Port)
	}

	go func() {
		<-ctx.Done()
		a.setState(StateDraining)
		_ = ln.Close()
	}()

	a.setState(StateAccepting)

	sem := make(chan struct{}, a.cfg.maxConcurrent())
	var wg sync.WaitGroup

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break // cancellation closed the listener; not a failure
			}
			if isTransientAcceptErr(err) {
				a.cfg.Logger.Debug("transient accept error, retrying", "error", err)
				continue
			}
			wg.Wait()
			a.setState(StateClosed)
			return c8yerr.Transport("acceptor.Run", err)
		}

		sem <- struct{}{}
		wg.Add(1)
		var handlerErr error
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			handlerErr = a.cfg.Handler(ctx, conn)
		}()

		if a.cfg.Mode == tunnel.ModeOneShot {
			// The listener is closed right away (no second connection is
			// ever accepted), but the state only becomes "draining" once
			// this one Bridge has actually terminated, below. wg.Wait()
			// happens-before the read of handlerErr, so no extra
			// synchronization is needed to observe the single handler's
			// outcome here.
			_ = ln.Close()
			wg.Wait()
			a.setState(StateDraining)
			a.setState(StateClosed)
			return handlerErr
		}
	}

	wg.Wait()
	a.setState(StateClosed)
	return nil
}

// isTransientAcceptErr reports whether err is a recoverable accept failure
// (e.g. EAGAIN, an interrupted syscall) that should not terminate the
// Acceptor.
func isTransientAcceptErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		//nolint:staticcheck // Temporary is deprecated but still the only
		// portal net.Listener exposes for "retry this accept".
		if ne.Temporary() {
			return true
		}
	}
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

func classifyBindErr(err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return c8yerr.PortInUse("acceptor.Run", err)
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return c8yerr.PermissionDenied("acceptor.Run", err)
	}
	return c8yerr.New(c8yerr.KindInternal, "acceptor.Run", fmt.Errorf("bind: %w", err))
}
