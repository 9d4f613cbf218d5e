// Package supervisor is the entry point invoked by the external CLI: it
// resolves a TunnelDescriptor, starts an Acceptor bound to it, and turns
// signals and bridge outcomes into one terminal ExitStatus. Grounded on the
// teacher's cmd/aztunnel run* functions (port_forward.go, relay_listener.go)
// generalized into a package the CLI layer calls into instead of inlining,
// per §4.5 and §9's "exposes only (TunnelDescriptor, LocalEndpoint, Mode) →
// Supervisor.run() → ExitStatus".
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/philsphicas/c8ylp/internal/acceptor"
	"github.com/philsphicas/c8ylp/internal/bridge"
	"github.com/philsphicas/c8ylp/internal/c8yerr"
	"github.com/philsphicas/c8ylp/internal/metrics"
	"github.com/philsphicas/c8ylp/internal/resolver"
	"github.com/philsphicas/c8ylp/internal/tunnel"
)

// ExitStatus is the single terminal status the Supervisor reports (§4.5).
type ExitStatus string

const (
	StatusOK                ExitStatus = "ok"
	StatusAuthFailed        ExitStatus = "auth-failed"
	StatusDeviceNotFound    ExitStatus = "device-not-found"
	StatusPortInUse         ExitStatus = "port-in-use"
	StatusTunnelUnavailable ExitStatus = "tunnel-unavailable"
	StatusCancelled         ExitStatus = "cancelled"
	StatusInternalError     ExitStatus = "internal-error"
)

// shutdownGrace bounds the Supervisor's own wait for active bridges after
// Acceptor.Run has returned. Acceptor.Run itself already waits, with no time
// limit, for every handler it started to return, so that earlier wait is
// not bounded by this value.
const shutdownGrace = 5 * time.Second

// Config configures one Supervisor run.
type Config struct {
	Resolver      resolver.Request
	LocalEndpoint tunnel.LocalEndpoint
	Mode          tunnel.Mode
	MaxConcurrent int
	ChunkSize     int
	IdleTimeout   time.Duration
	PingInterval  time.Duration

	NewResolver func(creds resolver.Credentials) *resolver.Resolver
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// OnPortBound is invoked once the Acceptor has actually bound its
	// local port, before any connection is accepted.
	OnPortBound func(port int)
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) newResolver() *resolver.Resolver {
	if c.NewResolver != nil {
		return c.NewResolver(c.Resolver.Credentials)
	}
	if c.Resolver.InsecureSkipVerify {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		return resolver.New(c.Resolver.Credentials, &http.Client{Transport: tr})
	}
	return resolver.New(c.Resolver.Credentials, nil)
}

// Run resolves the tunnel, starts the Acceptor, and blocks until the
// Acceptor has stopped (ctx cancelled, or the one connection of one-shot mode
// handled) and every Bridge it started has returned; see shutdownGrace for
// which part of that wait is time-bounded.
// It never returns a raw error: every failure is classified into an
// ExitStatus, matching the Supervisor's "single terminal status" contract.
func Run(ctx context.Context, cfg Config) ExitStatus {
	logger := cfg.logger()

	desc, err := cfg.newResolver().Resolve(ctx, cfg.Resolver)
	if err != nil {
		logger.Error("resolve failed", "error", err)
		return classifyResolveErr(err)
	}
	logger.Info("resolved tunnel", "device", desc.DeviceID, "configuration", desc.ConfigurationID)

	var active sync.WaitGroup
	handler := func(bctx context.Context, conn net.Conn) error {
		active.Add(1)
		defer active.Done()
		return runBridge(bctx, conn, desc, cfg, logger)
	}

	a := acceptor.New(acceptor.Config{
		Endpoint:      cfg.LocalEndpoint,
		Mode:          cfg.Mode,
		MaxConcurrent: cfg.MaxConcurrent,
		Handler:       handler,
		OnPortBound:   cfg.OnPortBound,
		Logger:        logger,
	})

	// err carries either the Acceptor's own bind/accept failure, or, in
	// one-shot mode, the single Bridge's post-open outcome (handler's
	// return value), since Acceptor.Run only propagates a Handler error
	// for the one connection one-shot mode ever accepts (§8 property 4:
	// the gateway dying mid-stream still exits non-zero in one-shot mode).
	// Persistent mode never propagates a Handler error here — one
	// session's failure must not end the others (§7) — so err there is
	// always the Acceptor's own failure, if any.
	err = a.Run(ctx)

	drained := make(chan struct{})
	go func() {
		active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace elapsed with bridges still active")
	}

	if err != nil {
		logger.Error("run ended in failure", "error", err)
		return classifyRunErr(err)
	}
	if ctx.Err() != nil {
		return StatusCancelled
	}
	return StatusOK
}

func runBridge(ctx context.Context, conn net.Conn, desc *tunnel.Descriptor, cfg Config, logger *slog.Logger) error {
	tracker := cfg.Metrics.BridgeOpened(desc.DeviceID)
	res := bridge.Run(ctx, conn, bridge.Config{
		Descriptor:   desc,
		ChunkSize:    cfg.ChunkSize,
		IdleTimeout:  cfg.IdleTimeout,
		PingInterval: cfg.PingInterval,
	})
	tracker.Done(res)
	if res.Err != nil {
		logger.Warn("bridge ended", "cause", res.Cause, "error", res.Err, "up", res.Stats.Up, "down", res.Stats.Down)
		return res.Err
	}
	logger.Info("bridge ended", "cause", res.Cause, "up", res.Stats.Up, "down", res.Stats.Down)
	return nil
}

func classifyResolveErr(err error) ExitStatus {
	switch {
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindAuth)):
		return StatusAuthFailed
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindDeviceNotFound)):
		return StatusDeviceNotFound
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindConfigurationNotFound)):
		return StatusDeviceNotFound
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindTenantNotFound)):
		return StatusAuthFailed
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindTunnelUnavailable)):
		return StatusTunnelUnavailable
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindCancelled)):
		return StatusCancelled
	default:
		return StatusInternalError
	}
}

// classifyRunErr folds the error Acceptor.Run can return in either of its
// two shapes: its own bind/accept failure (PortInUse/PermissionDenied, or a
// generic accept-loop Transport error), or, in one-shot mode only, the
// single Bridge's post-open failure surfaced through the Handler's return
// value (Transport/Protocol/IdleTimeout/TunnelUnavailable all mean the
// gateway or device side of the tunnel went away after the local client had
// already connected).
func classifyRunErr(err error) ExitStatus {
	switch {
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindPortInUse)):
		return StatusPortInUse
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindPermissionDenied)):
		return StatusPortInUse
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindTransport)):
		return StatusTunnelUnavailable
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindProtocol)):
		return StatusTunnelUnavailable
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindTunnelUnavailable)):
		return StatusTunnelUnavailable
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindIdleTimeout)):
		return StatusTunnelUnavailable
	case errors.Is(err, c8yerr.Sentinel(c8yerr.KindCancelled)):
		return StatusCancelled
	default:
		return StatusInternalError
	}
}
