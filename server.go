package perch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

// Server accepts client connections and runs one Session per
// connection. The server is a thin transport shell: all protocol
// behavior lives in the Session.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// sessions tracks active connections for shutdown notification
	connMu   sync.Mutex
	sessions map[net.Conn]*Session

	// shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer creates a new submission server with the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, fmt.Errorf("smtp: hostname is required")
	}

	// Apply defaults
	if config.Addr == "" {
		config.Addr = ":2525"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Minute
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Minute
	}
	if config.MaxLineLength == 0 {
		config.MaxLineLength = 512
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   config,
		sessions: make(map[net.Conn]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// ListenAndServe starts the server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them.
func (s *Server) Serve(listener net.Listener) error {
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}
	s.listener = listener

	s.config.Logger.Info("submission server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			s.config.Logger.Error("accept error", slog.Any("error", err))
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Shutdown gracefully shuts down the server: the listener stops
// accepting, connected clients receive a 421 notice, and active
// connections are awaited until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownNotice()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.closed.Store(true)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownNotice()
	s.cancel()
	return nil
}

// sendShutdownNotice sends a 421 notice to all connected clients and
// terminates their sessions. Per RFC 5321, servers should send 421
// before closing connections.
func (s *Server) sendShutdownNotice() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn, sess := range s.sessions {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		notice := ReplyLine(CodeServiceUnavailable,
			fmt.Sprintf("%s Service shutting down [%s]", s.config.Hostname, sess.ID()))
		_, _ = io.WriteString(conn, notice.String())
		sess.Terminate()
		_ = conn.Close()
	}
}

// handleConnection runs one client connection: it builds a Session
// over the connection and pumps raw reads into it until either side
// ends the dialogue.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.shutdownWg.Done()

	sess := NewSession(&deadlineWriter{conn: conn, timeout: s.config.WriteTimeout}, SessionConfig{
		Hostname:      s.config.Hostname,
		Peer:          conn.RemoteAddr().String(),
		Handlers:      s.config.Handlers,
		Logger:        s.config.Logger,
		MaxBodySize:   s.config.MaxBodySize,
		MaxLineLength: s.config.MaxLineLength,
	})

	s.connMu.Lock()
	s.sessions[conn] = sess
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.sessions, conn)
		s.connMu.Unlock()
		sess.Terminate()
		_ = conn.Close()
	}()

	logger := s.config.Logger.With(
		slog.String("session_id", sess.ID()),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	logger.Info("client connected")

	// Closing the connection when the session or server ends unblocks
	// the pending read below.
	go func() {
		select {
		case <-sess.Done():
		case <-s.ctx.Done():
		}
		_ = conn.Close()
	}()

	sess.Start()

	buf := make([]byte, 4096)
	for {
		if s.config.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
				break
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if err := sess.Feed(buf[:n]); err != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	logger.Info("client disconnected",
		slog.String("state", sess.State().String()),
	)
}

// deadlineWriter applies the configured write timeout before each
// write to the underlying connection.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(p)
}
