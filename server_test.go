package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-io/mqttd/broker"
	"github.com/golang-io/mqttd/packet"
)

func TestNewServer(t *testing.T) {
	ctx := context.Background()
	server := NewServer(ctx, broker.DefaultConfig(), nil)
	if server == nil {
		t.Fatal("NewServer() should return a non-nil server")
	}
	if server.Broker == nil {
		t.Fatal("server.Broker should not be nil")
	}
	if server.activeConn == nil {
		t.Fatal("server.activeConn should not be nil")
	}
	if server.listeners == nil {
		t.Fatal("server.listeners should not be nil")
	}
}

func TestServerShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(ctx, broker.DefaultConfig(), nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	done := make(chan bool)
	go func() {
		server.Shutdown(ctx)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown should complete within 2 seconds")
	}
}

func TestServerNewConn(t *testing.T) {
	server := NewServer(context.Background(), broker.DefaultConfig(), nil)

	mockConn := &mockConn{}
	conn := server.newConn(mockConn)

	if conn == nil {
		t.Fatal("newConn() should return a non-nil connection")
	}
	if conn.server != server {
		t.Error("connection should reference the server")
	}
	if conn.rwc != mockConn {
		t.Error("connection should use the provided net.Conn")
	}
}

func TestServerTrackConn(t *testing.T) {
	server := NewServer(context.Background(), broker.DefaultConfig(), nil)

	mockConn := &mockConn{}
	conn := server.newConn(mockConn)

	server.trackConn(conn, true)
	if len(server.activeConn) != 1 {
		t.Error("connection should be tracked")
	}

	server.trackConn(conn, false)
	if len(server.activeConn) != 0 {
		t.Error("connection should be removed from tracking")
	}
}

func TestServerShuttingDown(t *testing.T) {
	server := NewServer(context.Background(), broker.DefaultConfig(), nil)

	if server.shuttingDown() {
		t.Error("server should not be shutting down initially")
	}

	server.inShutdown.Store(true)
	if !server.shuttingDown() {
		t.Error("server should be shutting down after setting flag")
	}
}

// Mock implementations for testing
type mockConn struct {
	closed bool
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	return 0, nil
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	return len(b), nil
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr {
	return &mockAddr{}
}

func (m *mockConn) RemoteAddr() net.Addr {
	return &mockAddr{}
}

func (m *mockConn) SetDeadline(t time.Time) error {
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

type mockAddr struct{}

func (m *mockAddr) Network() string {
	return "tcp"
}

func (m *mockAddr) String() string {
	return "127.0.0.1:1883"
}

type mockHandler struct{}

func (m *mockHandler) ServeMQTT(rw ResponseWriter, r packet.Packet) {
	// Mock implementation
}
