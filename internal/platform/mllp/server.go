package mllp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tribal-ehr/interop/internal/platform/hl7v2"
	"github.com/tribal-ehr/interop/internal/platform/metrics"
)

const (
	// DefaultMaxConnections caps concurrent MLLP connections.
	DefaultMaxConnections = 100

	// DefaultIdleTimeout closes a connection with no inbound bytes.
	DefaultIdleTimeout = 5 * time.Minute

	// writeTimeout bounds a single reply write.
	writeTimeout = 10 * time.Second
)

// ReplyFunc frames a payload and writes it back on the connection the
// triggering message arrived on. Writes on one connection are
// serialized.
type ReplyFunc func(payload []byte) error

// ConnectionInfo is a point-in-time snapshot of one tracked connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	ConnectedAt  time.Time `json:"connectedAt"`
	MessageCount uint64    `json:"messageCount"`
}

// Hooks carries the server's event callbacks. Any field may be nil.
// OnMessage runs on the connection's read goroutine in frame arrival
// order. A handler that wants to reply later must hand the ReplyFunc to
// its own goroutine and return; deferred replies may then interleave
// with replies for later frames (individual writes stay atomic).
type Hooks struct {
	OnMessage         func(ctx context.Context, msg *hl7v2.Message, reply ReplyFunc)
	OnError           func(connID string, err error)
	OnConnectionOpen  func(info ConnectionInfo)
	OnConnectionClose func(info ConnectionInfo)
}

// Server listens for MLLP-framed HL7v2 messages over TCP and dispatches
// them through Hooks.
type Server struct {
	addr        string
	maxConns    int
	idleTimeout time.Duration
	hooks       Hooks
	log         zerolog.Logger
	metrics     *metrics.Metrics

	listener net.Listener
	mu       sync.Mutex
	conns    map[string]*serverConn
	done     chan struct{}
	wg       sync.WaitGroup
}

type serverConn struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time

	mu       sync.Mutex // guards writes and messageCount
	messages uint64
}

func (sc *serverConn) info() ConnectionInfo {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return ConnectionInfo{
		ID:           sc.id,
		RemoteAddr:   sc.remoteAddr,
		ConnectedAt:  sc.connectedAt,
		MessageCount: sc.messages,
	}
}

// reply frames and writes payload on the owning connection.
func (sc *serverConn) reply(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := sc.conn.Write(Frame(payload)); err != nil {
		return fmt.Errorf("mllp: reply write: %w", err)
	}
	return nil
}

// Option customizes a Server.
type Option func(*Server)

// WithMaxConnections overrides the concurrent connection cap.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// WithIdleTimeout overrides the per-connection idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithLogger attaches a zerolog logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics attaches the Prometheus recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHooks installs the event callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

// NewServer creates an MLLP server for addr (host:port). Defaults: 100
// connections, five-minute idle timeout, no-op hooks.
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		maxConns:    DefaultMaxConnections,
		idleTimeout: DefaultIdleTimeout,
		log:         zerolog.Nop(),
		conns:       make(map[string]*serverConn),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and launches the accept loop. It is
// non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Int("max_connections", s.maxConns).Msg("mllp server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every tracked connection, then waits for
// in-flight handlers until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for _, sc := range s.conns {
		sc.conn.Close()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listener address, useful with port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Connections returns a snapshot of the connection table.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for _, sc := range s.conns {
		out = append(out, sc.info())
	}
	return out
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error().Err(err).Msg("mllp accept failed")
			return
		}

		if s.connCount() >= s.maxConns {
			// Beyond the cap: accept then close immediately.
			s.log.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Int("max_connections", s.maxConns).
				Msg("mllp connection cap reached, closing")
			s.metrics.ConnRejected()
			conn.Close()
			continue
		}

		sc := &serverConn{
			id:          uuid.NewString(),
			conn:        conn,
			remoteAddr:  conn.RemoteAddr().String(),
			connectedAt: time.Now(),
		}
		s.mu.Lock()
		s.conns[sc.id] = sc
		s.mu.Unlock()
		s.metrics.ConnOpened()

		s.log.Info().Str("conn_id", sc.id).Str("remote", sc.remoteAddr).Msg("mllp connection opened")
		if s.hooks.OnConnectionOpen != nil {
			s.hooks.OnConnectionOpen(sc.info())
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(sc)
		}()
	}
}

// serveConn owns the read side of one connection: it reassembles
// frames, parses them and dispatches messages until the peer goes away
// or stays idle past the timeout.
func (s *Server) serveConn(sc *serverConn) {
	defer func() {
		sc.conn.Close()
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
		s.metrics.ConnClosed()

		info := sc.info()
		s.log.Info().
			Str("conn_id", sc.id).
			Str("remote", sc.remoteAddr).
			Uint64("messages", info.MessageCount).
			Msg("mllp connection closed")
		if s.hooks.OnConnectionClose != nil {
			s.hooks.OnConnectionClose(info)
		}
	}()

	dec := NewDecoder()
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		sc.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		n, err := sc.conn.Read(buf)
		if n > 0 {
			payloads, decErr := dec.Push(buf[:n])
			if decErr != nil {
				s.log.Warn().Err(decErr).Str("conn_id", sc.id).Msg("mllp frame discarded")
				s.emitError(sc.id, decErr)
			}
			for _, payload := range payloads {
				s.dispatch(sc, payload)
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.log.Info().Str("conn_id", sc.id).Dur("idle_timeout", s.idleTimeout).Msg("mllp connection idle, closing")
			}
			return
		}
	}
}

// dispatch parses one frame payload and hands the message to OnMessage.
func (s *Server) dispatch(sc *serverConn, payload []byte) {
	sc.mu.Lock()
	sc.messages++
	sc.mu.Unlock()

	msg, err := hl7v2.Parse(payload)
	if err != nil {
		s.metrics.MLLPMessage("parse_error")
		s.log.Warn().Err(err).Str("conn_id", sc.id).Msg("mllp message parse failed")
		s.emitError(sc.id, err)
		return
	}
	s.metrics.MLLPMessage("accepted")

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(context.Background(), msg, sc.reply)
	}
}

func (s *Server) emitError(connID string, err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(connID, err)
	}
}
