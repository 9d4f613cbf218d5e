// Package wsclient implements the WebSocket client specialized for
// Cumulocity remote-access tunnels: binary-only framing, bearer-token
// authenticated handshake, transparent ping/pong keepalive, and a bounded,
// idempotent close sequence.
//
// It is not concurrency-safe for multiple simultaneous senders; callers
// (Bridge) must guarantee exactly one goroutine calls Send and one calls
// Recv.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/c8ylp/internal/c8yerr"
)

// subprotocol is the only WebSocket subprotocol the gateway negotiates for
// remote-access tunnels.
const subprotocol = "binary"

// closeGrace bounds how long Close waits for the peer's close frame.
const closeGrace = 5 * time.Second

// State is the one-way lifecycle of a WSConnection (§3).
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// Client is a single tunnel connection. Zero value is not usable; build one
// with Open.
type Client struct {
	conn  *websocket.Conn
	state atomic.Int32

	closeOnce sync.Once
}

// Open performs the HTTPS upgrade handshake against url, carrying token as
// an Authorization: Bearer header, and negotiating the "binary"
// subprotocol. insecureSkipVerify disables TLS peer verification.
func Open(ctx context.Context, url, token string, insecureSkipVerify bool) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	httpClient := http.DefaultClient
	if insecureSkipVerify {
		httpClient = insecureHTTPClient()
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   httpClient,
		HTTPHeader:   header,
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		return nil, classifyDialErr(resp, err)
	}

	if conn.Subprotocol() != subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected subprotocol")
		return nil, c8yerr.Protocol("wsclient.Open", fmt.Errorf("negotiated subprotocol %q, want %q", conn.Subprotocol(), subprotocol))
	}

	conn.SetReadLimit(-1) // tunnel payloads are opaque device bytes, not bounded JSON

	c := &Client{conn: conn}
	c.state.Store(int32(StateOpen))
	return c, nil
}

func classifyDialErr(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return c8yerr.Auth("wsclient.Open", err)
		case http.StatusNotFound:
			return c8yerr.New(c8yerr.KindDeviceNotFound, "wsclient.Open", err)
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return c8yerr.TunnelUnavailable("wsclient.Open", err)
		}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c8yerr.TunnelUnavailable("wsclient.Open", err)
	}
	return c8yerr.TunnelUnavailable("wsclient.Open", err)
}

// State returns the connection's current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Recv returns a lazy sequence of binary frame payloads. Text and control
// frames (ping/pong) never surface here: the transport answers pings with
// pongs automatically and consumes pongs transparently, and a received text
// frame ends the sequence with a ProtocolError. A clean peer close ends the
// sequence with no error (the iterator simply stops); any other failure
// ends it with the relevant c8yerr.Kind.
func (c *Client) Recv(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			typ, data, err := c.conn.Read(ctx)
			if err != nil {
				if werr := classifyReadErr(err); werr != nil {
					yield(nil, werr)
				}
				return
			}
			if typ != websocket.MessageBinary {
				yield(nil, c8yerr.Protocol("wsclient.Recv", fmt.Errorf("unexpected %v frame in binary tunnel", typ)))
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

func classifyReadErr(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return nil
	}
	return c8yerr.Transport("wsclient.Recv", err)
}

// Send enqueues exactly one binary frame. It returns once the frame has
// been handed to the transport, not once the peer has acknowledged it.
func (c *Client) Send(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return c8yerr.Transport("wsclient.Send", err)
	}
	return nil
}

// Ping runs the application-level keepalive loop until ctx is cancelled or
// two consecutive pings go unanswered. It is meant to run in its own
// goroutine; a non-nil return means the connection should be treated as
// failed. interval <= 0 disables the keepalive and Ping returns nil
// immediately.
func (c *Client) Ping(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				misses++
				if misses >= 2 {
					c.state.Store(int32(StateClosing))
					return c8yerr.Transport("wsclient.Ping", fmt.Errorf("no pong for %d consecutive intervals", misses))
				}
				continue
			}
			misses = 0
		}
	}
}

// Close is idempotent: it writes a close frame if the connection is still
// open, waits up to closeGrace for the peer's close, then shuts the
// transport down regardless.
func (c *Client) Close(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if c.State() == StateOpen {
			c.state.Store(int32(StateClosing))
			done := make(chan struct{})
			go func() {
				err = c.conn.Close(code, reason)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(closeGrace):
			}
		}
		c.state.Store(int32(StateClosed))
		_ = c.conn.CloseNow() // idempotent even if Close already tore the conn down
	})
	return err
}
