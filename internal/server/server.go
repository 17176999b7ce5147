// Package server implements the command server: a websocket endpoint that
// accepts exactly one JSON command per connection, replies once and closes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smazurov/renderpool/internal/protocol"
	"github.com/smazurov/renderpool/internal/slots"
	"vawter.tech/stopper"
)

// Pool is the slot pool the server dispatches commands to.
type Pool interface {
	Start(ctx context.Context) (int, error)
	Stop(id int) error
	Status(id int) (slots.State, error)
	ServerStatus() (running, total int)
}

// CommandCallback observes every handled command.
type CommandCallback func(req protocol.Request, resp protocol.Response)

// Server is the command server.
type Server struct {
	pool       Pool
	addr       string
	upgrader   websocket.Upgrader
	ioTimeout  time.Duration
	onCommand  CommandCallback
	logger     *slog.Logger
	listener   net.Listener
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCommandCallback registers an observer for handled commands.
func WithCommandCallback(fn CommandCallback) Option {
	return func(s *Server) {
		s.onCommand = fn
	}
}

// WithIOTimeout bounds the wait for the request and the reply write.
// Default is 30s.
func WithIOTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.ioTimeout = d
	}
}

// New creates a command server for addr.
func New(pool Pool, addr string, opts ...Option) *Server {
	s := &Server{
		pool:      pool,
		addr:      addr,
		ioTimeout: 30 * time.Second,
		logger:    slog.Default(),
		upgrader: websocket.Upgrader{
			// Commands arrive from a trusted local relay.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run serves until the stopper begins stopping. Listen is called first if
// it has not been already.
func (s *Server) Run(sctx *stopper.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Command server started", "url", "ws://"+s.Addr()+"/")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("command server: %w", err)
	case <-sctx.Stopping():
	}

	// Force immediate shutdown - a connection lives for one exchange only
	err := s.httpServer.Close()
	<-errCh
	s.logger.Info("Quitting command server")
	return err
}

// ServeHTTP upgrades the connection, answers one command and closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.ioTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("Connection closed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	resp := s.Handle(r.Context(), data)
	reply, err := marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode reply", "error", err)
		return
	}
	s.logger.Debug("Sending reply", "reply", string(reply))

	_ = conn.SetWriteDeadline(time.Now().Add(s.ioTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		s.logger.Debug("Failed to send reply", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
