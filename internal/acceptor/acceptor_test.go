package acceptor

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/philsphicas/c8ylp/internal/c8yerr"
	"github.com/philsphicas/c8ylp/internal/tunnel"
)

func echoHandler(handled *atomic.Int32) Handler {
	return func(_ context.Context, conn net.Conn) error {
		defer conn.Close()
		handled.Add(1)
		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			return nil
		}
		_, _ = conn.Write(buf[:n])
		return nil
	}
}

// failingHandler simulates a Bridge that ends on a post-open failure, for
// exercising Run's one-shot error propagation.
func failingHandler(handled *atomic.Int32, want error) Handler {
	return func(_ context.Context, conn net.Conn) error {
		defer conn.Close()
		handled.Add(1)
		buf := make([]byte, 256)
		_, _ = conn.Read(buf)
		return want
	}
}

func TestEphemeralPortAnnouncedBeforeAccept(t *testing.T) {
	var handled atomic.Int32
	var announced int32
	portCh := make(chan int, 1)

	a := New(Config{
		Endpoint: tunnel.LocalEndpoint{BindAddress: "127.0.0.1", Port: 0},
		Mode:     tunnel.ModeOneShot,
		Handler:  echoHandler(&handled),
		OnPortBound: func(port int) {
			atomic.StoreInt32(&announced, 1)
			portCh <- port
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var port int
	select {
	case port = <-portCh:
	case <-time.After(2 * time.Second):
		t.Fatal("port was never announced")
	}
	if port <= 1023 || port > 65535 {
		t.Fatalf("port %d out of expected ephemeral range", port)
	}
	if atomic.LoadInt32(&announced) != 1 {
		t.Fatal("OnPortBound was not called")
	}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("PING\n"))
	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "PING\n" {
		t.Errorf("got %q, want PING\\n", buf[:n])
	}
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("one-shot acceptor did not drain")
	}
	if handled.Load() != 1 {
		t.Errorf("handled = %d, want 1", handled.Load())
	}
}

func TestPersistentAcceptsSequentialConnections(t *testing.T) {
	var handled atomic.Int32

	a := New(Config{
		Endpoint: tunnel.LocalEndpoint{BindAddress: "127.0.0.1", Port: 0},
		Mode:     tunnel.ModePersistent,
		Handler:  echoHandler(&handled),
	})

	var port int
	portReady := make(chan struct{})
	a.cfg.OnPortBound = func(p int) {
		port = p
		close(portReady)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-portReady:
	case <-time.After(2 * time.Second):
		t.Fatal("port never bound")
	}

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Write([]byte("x"))
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.Read(buf)
		conn.Close()
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("persistent acceptor did not stop on cancel")
	}
	if handled.Load() != 3 {
		t.Errorf("handled = %d, want 3", handled.Load())
	}
}

func TestBindFailurePortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	var handled atomic.Int32
	a := New(Config{
		Endpoint: tunnel.LocalEndpoint{BindAddress: "127.0.0.1", Port: port},
		Mode:     tunnel.ModeOneShot,
		Handler:  echoHandler(&handled),
	})

	err = a.Run(context.Background())
	if err == nil {
		t.Fatal("expected a bind error")
	}
	if !errors.Is(err, c8yerr.Sentinel(c8yerr.KindPortInUse)) {
		t.Errorf("expected KindPortInUse, got %v", err)
	}
}

func TestOneShotRunReturnsHandlerError(t *testing.T) {
	var handled atomic.Int32
	wantErr := errors.New("post-open failure")
	portCh := make(chan int, 1)

	a := New(Config{
		Endpoint:    tunnel.LocalEndpoint{BindAddress: "127.0.0.1", Port: 0},
		Mode:        tunnel.ModeOneShot,
		Handler:     failingHandler(&handled, wantErr),
		OnPortBound: func(port int) { portCh <- port },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var port int
	select {
	case port = <-portCh:
	case <-time.After(2 * time.Second):
		t.Fatal("port was never announced")
	}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("x"))
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Errorf("Run returned %v, want %v", err, wantErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("one-shot acceptor did not drain")
	}
}

func TestPersistentHandlerErrorDoesNotStopAcceptor(t *testing.T) {
	var handled atomic.Int32
	wantErr := errors.New("post-open failure")

	a := New(Config{
		Endpoint: tunnel.LocalEndpoint{BindAddress: "127.0.0.1", Port: 0},
		Mode:     tunnel.ModePersistent,
		Handler:  failingHandler(&handled, wantErr),
	})

	var port int
	portReady := make(chan struct{})
	a.cfg.OnPortBound = func(p int) {
		port = p
		close(portReady)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-portReady:
	case <-time.After(2 * time.Second):
		t.Fatal("port never bound")
	}

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Write([]byte("x"))
		conn.Close()
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error %v, want nil (persistent mode must not propagate bridge errors)", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("persistent acceptor did not stop on cancel")
	}
	if handled.Load() != 2 {
		t.Errorf("handled = %d, want 2", handled.Load())
	}
}

func TestCancellationFromAcceptingEndsClosed(t *testing.T) {
	var handled atomic.Int32
	var mu sync.Mutex
	var states []State

	a := New(Config{
		Endpoint: tunnel.LocalEndpoint{BindAddress: "127.0.0.1", Port: 0},
		Mode:     tunnel.ModePersistent,
		Handler:  echoHandler(&handled),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	states = append(states, a.State())
	mu.Unlock()
	if states[0] != StateAccepting {
		t.Errorf("state before cancel = %v, want accepting", states[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("acceptor did not stop")
	}
	if a.State() != StateClosed {
		t.Errorf("final state = %v, want closed", a.State())
	}
}
