package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttd/broker"
	"github.com/golang-io/mqttd/packet"
	"github.com/sirupsen/logrus"
)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown. Polling starts with a small
// interval and backs off to the max.
const shutdownPollIntervalMax = 500 * time.Millisecond
const size = 64 << 10

// A Handler responds to an MQTT request.
type Handler interface {
	ServeMQTT(ResponseWriter, packet.Packet)
}

type HandlerFunc func(ResponseWriter, packet.Packet)

func (f HandlerFunc) ServeMQTT(rw ResponseWriter, r packet.Packet) {
	f(rw, r)
}

type serverHandler struct {
	s *Server
}

func (s serverHandler) ServeMQTT(rw ResponseWriter, p packet.Packet) {
	handler := s.s.Handler
	if handler == nil {
		handler = defaultHandler{}
	}
	handler.ServeMQTT(rw, p)
}

// ResponseWriter lets a Handler send one packet back down the connection
// that delivered the request it is handling.
type ResponseWriter interface {
	OnSend(pkt packet.Packet) error
}

type response struct {
	conn   *conn
	packet packet.Packet
}

func (w *response) OnSend(pkt packet.Packet) error {
	return w.conn.Send(pkt)
}

const (
	// StateWaitingForConnect is the state every new connection starts
	// in: it has not yet sent a well-formed CONNECT.
	StateWaitingForConnect ConnState = iota
	// StateAuthenticating is entered when a v5.0 CONNECT carries an
	// AuthenticationMethod and the broker's EnhancedAuth hook has not
	// yet signaled completion.
	StateAuthenticating
	// StateConnected is entered once CONNACK with a success reason has
	// been sent.
	StateConnected
	// StateDisconnected is terminal.
	StateDisconnected
)

var ErrAbortHandler = errors.New("mqtt: abort Handler")

// A ConnState represents the state of a client connection to a server.
type ConnState int

func (s ConnState) String() string {
	switch s {
	case StateWaitingForConnect:
		return "waiting_for_connect"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Server accepts MQTT connections and serves them against a shared
// broker.Broker.
type Server struct {
	Handler Handler

	Broker      *broker.Broker
	Hooks       *broker.Hooks
	Housekeeper *broker.Housekeeper

	TLSConfig *tls.Config

	ConnState func(net.Conn, ConnState)

	ConnContext func(ctx context.Context, c net.Conn) context.Context

	inShutdown atomic.Bool

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*conn]struct{}
	onShutdown    []func()
	listenerGroup sync.WaitGroup
}

// NewServer builds a Server wired to a fresh broker.Broker, starts its
// housekeeper, and arranges for ctx cancellation to trigger Shutdown.
func NewServer(ctx context.Context, cfg broker.Config, hooks *broker.Hooks) *Server {
	b := broker.New(cfg, hooks)
	hk := broker.NewHousekeeper(b, time.Second)
	s := &Server{
		Broker:      b,
		Hooks:       hooks,
		Housekeeper: hk,
		activeConn:  make(map[*conn]struct{}),
		listeners:   make(map[*net.Listener]struct{}),
	}
	go hk.Run()
	go func() {
		<-ctx.Done()
		hk.Stop()
		if err := s.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("mqtt: shutdown: %v", err)
		}
	}()
	return s
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	for _, f := range s.onShutdown {
		go f()
	}
	s.mu.Unlock()
	s.notifyShutdown()
	s.listenerGroup.Wait()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10+1)))
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// notifyShutdown tells every connected v5.0 client why its socket is
// about to be force-closed. v3.1.1 has no server-initiated DISCONNECT,
// so those connections just get closed outright by closeIdleConns.
func (s *Server) notifyShutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.activeConn))
	for c := range s.activeConn {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if c.version != packet.VERSION500 {
			continue
		}
		if st, _ := c.getState(); st != StateConnected {
			continue
		}
		_ = c.Send(&packet.DISCONNECT{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0xE},
			ReasonCode:  packet.ErrServerShuttingDown,
		})
	}
}

func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		st, unixSec := c.getState()
		if st == StateWaitingForConnect && unixSec < time.Now().Unix()-5 {
			st = StateDisconnected
		}
		if st != StateDisconnected {
			quiescent = false
			continue
		}
		_ = c.rwc.Close()
		delete(s.activeConn, c)
	}
	return quiescent
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) newConn(rwc net.Conn) *conn {
	return &conn{server: s, rwc: rwc}
}

// Serve accepts incoming connections on l, serving each on its own
// goroutine. Serve always returns a non-nil error and closes l.
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	ctx := context.Background()

	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		connCtx := ctx
		if cc := s.ConnContext; cc != nil {
			connCtx = cc(connCtx, rw)
			if connCtx == nil {
				panic("ConnContext returned nil")
			}
		}
		c := s.newConn(rw)
		c.setState(c.rwc, StateWaitingForConnect, true)
		go c.serve(connCtx)
	}
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.activeConn[c] = struct{}{}
	} else {
		delete(s.activeConn, c)
	}
}

func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

var ErrServerClosed = errors.New("mqtt: Server closed")

func (s *Server) ListenAndServe(opts ...Option) error {
	options := newOptions(opts...)
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	logrus.Infof("mqtt serve: %s", u.Host)
	return s.Serve(ln)
}

func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}}
	return s.Serve(tls.NewListener(l, config))
}

func (s *Server) ListenAndServeTLS(certFile, keyFile string, opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	logrus.Infof("mqtt(s) serve: %s", u.Host)
	return s.ServeTLS(ln, certFile, keyFile)
}
