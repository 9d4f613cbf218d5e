// Package bridge couples one accepted TCP socket with one WebSocket tunnel
// and pumps bytes in both directions until either side ends, errors, times
// out, or is cancelled — exactly one sender and one receiver on the
// WebSocket side, per the teacher's relay.Bridge, generalized with
// configurable chunk size, idle timeout, and a sticky terminal cause.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/c8ylp/internal/c8yerr"
	"github.com/philsphicas/c8ylp/internal/tunnel"
	"github.com/philsphicas/c8ylp/internal/wsclient"
)

// Size bounds for the uplink read chunk (§4.2).
const (
	MinChunkSize     = 1024
	MaxChunkSize     = 8290304
	DefaultChunkSize = 4096
)

const tcpShutdownGrace = 3 * time.Second

// Cause identifies the first event that ended a Bridge; it is sticky for
// the lifetime of the session (§3 BridgeSession.terminal cause).
type Cause string

const (
	CausePeerClosedLocal  Cause = "peer-closed-local"
	CausePeerClosedRemote Cause = "peer-closed-remote"
	CauseErrorLocal       Cause = "error-local"
	CauseErrorRemote      Cause = "error-remote"
	CauseTimeoutIdle      Cause = "timeout-idle"
	CauseCancelled        Cause = "cancelled"
)

// Stats holds byte counters for a completed bridge.
type Stats struct {
	Up   int64 // TCP -> WS
	Down int64 // WS -> TCP
}

// Config configures one Bridge.
type Config struct {
	Descriptor   *tunnel.Descriptor
	ChunkSize    int           // 0 uses DefaultChunkSize
	IdleTimeout  time.Duration // 0 disables the idle deadline
	PingInterval time.Duration // 0 disables WS keepalive pings
}

func (c Config) chunkSize() int {
	if c.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

// Result is returned once a Bridge has fully drained.
type Result struct {
	Stats  Stats
	Cause  Cause
	Err    error
	Opened bool // whether the WS tunnel ever reached state open
}

// Run opens a WSClient against cfg.Descriptor, bridges it with tcp, and
// blocks until the session ends. tcp is always closed before Run returns.
func Run(ctx context.Context, tcp net.Conn, cfg Config) Result {
	url, err := cfg.Descriptor.TunnelURL()
	if err != nil {
		_ = tcp.Close()
		return Result{Cause: CauseErrorRemote, Err: err}
	}

	ws, err := wsclient.Open(ctx, url, cfg.Descriptor.Token, cfg.Descriptor.InsecureSkipVerify)
	if err != nil {
		// §4.2 step 1: WS open failure closes the TCP socket immediately;
		// the client sees a reset or clean close with no bytes.
		_ = tcp.Close()
		return Result{Cause: CauseErrorRemote, Err: err}
	}

	return runPumps(ctx, tcp, ws, cfg)
}

func runPumps(parent context.Context, tcp net.Conn, ws *wsclient.Client, cfg Config) Result {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var up, down atomic.Int64
	var idleTimer *time.Timer
	var idleMu sync.Mutex
	touch := func() {
		if cfg.IdleTimeout <= 0 {
			return
		}
		idleMu.Lock()
		idleTimer.Reset(cfg.IdleTimeout)
		idleMu.Unlock()
	}

	type event struct {
		cause Cause
		err   error
	}
	var recordOnce sync.Once
	var final event
	record := func(e event) {
		recordOnce.Do(func() { final = e })
	}

	if cfg.IdleTimeout > 0 {
		idleTimer = time.AfterFunc(cfg.IdleTimeout, func() {
			record(event{cause: CauseTimeoutIdle, err: c8yerr.IdleTimeout("bridge")})
			cancel()
		})
		defer idleTimer.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		cause, err := uplink(ctx, tcp, ws, cfg.chunkSize(), &up, touch)
		record(event{cause: cause, err: err})
		switch cause {
		case CausePeerClosedLocal:
			_ = ws.Close(websocket.StatusNormalClosure, "")
		case CauseErrorLocal:
			_ = ws.Close(websocket.StatusInternalError, "tcp read error")
		}
		cancel()
	}()

	go func() {
		defer wg.Done()
		cause, err := downlink(ctx, tcp, ws, &down, touch)
		record(event{cause: cause, err: err})
		cancel()
	}()

	if cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Ping(ctx, cfg.PingInterval); err != nil {
				record(event{cause: CauseErrorRemote, err: err})
				cancel()
			}
		}()
	}

	go func() {
		<-parent.Done()
		record(event{cause: CauseCancelled, err: nil})
		cancel()
	}()

	// Unblock a pending TCP read once the session is shutting down.
	go func() {
		<-ctx.Done()
		_ = tcp.SetReadDeadline(time.Now())
	}()

	wg.Wait()

	// Shutdown coordinator: close WS if not already closing, shut TCP down
	// for writes to flush buffered bytes, then close it.
	_ = ws.Close(websocket.StatusNormalClosure, "")
	shutdownTCP(tcp)

	return Result{
		Stats:  Stats{Up: up.Load(), Down: down.Load()},
		Cause:  final.cause,
		Err:    final.err,
		Opened: true,
	}
}

// uplink reads from tcp and writes one WS binary frame per non-empty read.
func uplink(ctx context.Context, tcp net.Conn, ws *wsclient.Client, chunkSize int, counter *atomic.Int64, touch func()) (Cause, error) {
	buf := make([]byte, chunkSize)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			if werr := ws.Send(ctx, buf[:n]); werr != nil {
				return CauseErrorRemote, werr
			}
			counter.Add(int64(n))
			touch()
		}
		if err != nil {
			if ctx.Err() != nil {
				return CauseCancelled, nil
			}
			if errors.Is(err, io.EOF) {
				return CausePeerClosedLocal, nil
			}
			return CauseErrorLocal, c8yerr.Transport("bridge.uplink", err)
		}
		if ctx.Err() != nil {
			return CauseCancelled, nil
		}
	}
}

// downlink writes each received WS binary frame to tcp in full.
func downlink(ctx context.Context, tcp net.Conn, ws *wsclient.Client, counter *atomic.Int64, touch func()) (Cause, error) {
	for data, err := range ws.Recv(ctx) {
		if err != nil {
			return CauseErrorRemote, err
		}
		if err := writeFull(tcp, data); err != nil {
			return CauseErrorLocal, c8yerr.Transport("bridge.downlink", err)
		}
		counter.Add(int64(len(data)))
		touch()
	}
	// WS ended cleanly: half-close TCP for writing so the local peer sees
	// EOF; the shutdown coordinator then stops the uplink as well.
	halfCloseWrite(tcp)
	return CausePeerClosedRemote, nil
}

// writeFull loops on partial writes until the buffer is fully delivered or
// the destination errors.
func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

type writeCloser interface {
	CloseWrite() error
}

func halfCloseWrite(conn net.Conn) {
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}

func shutdownTCP(conn net.Conn) {
	halfCloseWrite(conn)
	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(tcpShutdownGrace):
	}
}
