package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smazurov/renderpool/internal/version"
	"vawter.tech/stopper"
)

// DefaultMaxMessageSize bounds a single relayed message.
const DefaultMaxMessageSize = 10 << 20

// readyMessage is sent to the client once a numbered target is connected.
const readyMessage = `{"status": "ready"}`

// DialFunc opens the outbound websocket.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Relay accepts client websockets and pipes them to policy-approved targets.
type Relay struct {
	policy     Policy
	upgrader   websocket.Upgrader
	dial       DialFunc
	maxMessage int64
	dialWait   time.Duration
	writeWait  time.Duration
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithDialer replaces the outbound dialer.
func WithDialer(dial DialFunc) Option {
	return func(r *Relay) {
		r.dial = dial
	}
}

// WithMaxMessageSize sets the per-message limit in both directions.
func WithMaxMessageSize(n int64) Option {
	return func(r *Relay) {
		r.maxMessage = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// New creates a relay enforcing policy.
func New(policy Policy, opts ...Option) *Relay {
	r := &Relay{
		policy:     policy,
		maxMessage: DefaultMaxMessageSize,
		dialWait:   10 * time.Second,
		writeWait:  time.Second,
		logger:     slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dial == nil {
		dialer := &websocket.Dialer{HandshakeTimeout: r.dialWait}
		r.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := dialer.DialContext(ctx, url, version.Header())
			return conn, err
		}
	}
	return r
}

// Listen binds addr.
func (r *Relay) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{Handler: r}
	r.logger.Info("Relay listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Run serves until the stopper begins stopping.
func (r *Relay) Run(sctx *stopper.Context) error {
	if r.listener == nil {
		return errors.New("relay not listening")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.httpServer.Serve(r.listener)
	}()

	select {
	case <-sctx.Stopping():
		r.logger.Info("Stopping relay")
		err := r.httpServer.Close()
		<-errCh
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay: %w", err)
	}
}

// ServeHTTP upgrades the client, resolves its target and relays frames.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	logger := r.logger.With("path", path, "remote_addr", req.RemoteAddr)

	client, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Debug("Upgrade failed", "error", err)
		return
	}
	defer client.Close()
	client.SetReadLimit(r.maxMessage)
	logger.Info("Connection received")

	target, err := r.policy.Resolve(path)
	if err != nil {
		var perr *PolicyError
		reason := ReasonInvalidPath
		if errors.As(err, &perr) {
			reason = perr.Reason
		}
		logger.Warn("Rejected connection", "reason", reason)
		r.closeWith(client, websocket.ClosePolicyViolation, reason)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.dialWait)
	upstream, err := r.dial(ctx, target.URL)
	cancel()
	if err != nil {
		logger.Error("Error connecting to target", "target", target.URL, "error", err)
		r.closeWith(client, websocket.CloseInternalServerErr, "Target connection failed")
		return
	}
	defer upstream.Close()
	upstream.SetReadLimit(r.maxMessage)

	if target.SendReady {
		if err := client.WriteMessage(websocket.TextMessage, []byte(readyMessage)); err != nil {
			logger.Debug("Client gone before ready", "error", err)
			return
		}
	}
	logger.Info("Connected to target", "target", target.URL)

	r.pipe(client, upstream, logger)
	logger.Info("Connection closed", "target", target.URL)
}

// pipe copies messages both ways until either side closes, then closes the
// other side with the same code.
func (r *Relay) pipe(client, upstream *websocket.Conn, logger *slog.Logger) {
	var once sync.Once
	shutdown := func(peer *websocket.Conn, err error) {
		once.Do(func() {
			code, text := websocket.CloseNormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) && sendable(ce.Code) {
				code, text = ce.Code, ce.Text
			}
			r.closeWith(peer, code, text)
			client.Close()
			upstream.Close()
		})
	}

	var wg sync.WaitGroup
	forward := func(src, dst *websocket.Conn, direction string) {
		defer wg.Done()
		for {
			kind, data, err := src.ReadMessage()
			if err != nil {
				logger.Debug("Relay direction finished", "direction", direction, "error", err)
				shutdown(dst, err)
				return
			}
			if err := dst.WriteMessage(kind, data); err != nil {
				logger.Debug("Relay write failed", "direction", direction, "error", err)
				shutdown(src, err)
				return
			}
		}
	}

	wg.Add(2)
	go forward(client, upstream, "client->target")
	go forward(upstream, client, "target->client")
	wg.Wait()
}

func (r *Relay) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.writeWait))
}

// sendable reports whether code may appear in a close frame. 1005, 1006 and
// 1015 are reserved for local reporting.
func sendable(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return code >= 1000 && code < 5000
}
