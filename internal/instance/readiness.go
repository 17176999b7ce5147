package instance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// ErrNotReady is returned when an instance did not answer the readiness
// handshake before its deadline.
var ErrNotReady = errors.New("instance not ready")

// Prober performs the readiness handshake for one slot. WaitReady blocks
// until the instance answers or ctx is done.
type Prober interface {
	WaitReady(ctx context.Context, slot int) error
}

// APIProber checks readiness through the instance's local scripting API:
// newline-delimited JSON over TCP.
type APIProber struct {
	Host        string
	Port        int
	PortStride  int // added per slot index, 0 means every slot shares Port
	DialTimeout time.Duration
	Retry       time.Duration
	Logger      *slog.Logger
}

// NewAPIProber creates a prober with default timings.
func NewAPIProber(host string, port int, logger *slog.Logger) *APIProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIProber{
		Host:        host,
		Port:        port,
		DialTimeout: 2 * time.Second,
		Retry:       time.Second,
		Logger:      logger,
	}
}

type apiRequest struct {
	Topic   int        `json:"topic"`
	Type    string     `json:"type"`
	Payload apiPayload `json:"payload"`
}

type apiPayload struct {
	Function  string `json:"function"`
	Arguments []any  `json:"arguments"`
	Return    bool   `json:"return"`
}

// Addr returns the API address for slot.
func (p *APIProber) Addr(slot int) string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port+slot*p.PortStride))
}

// WaitReady retries the handshake until it succeeds or ctx is done.
func (p *APIProber) WaitReady(ctx context.Context, slot int) error {
	addr := p.Addr(slot)
	p.Logger.Info("Establishing API connection", "slot", slot, "addr", addr)

	attempts := 0
	for {
		attempts++
		err := p.probe(ctx, addr)
		if err == nil {
			p.Logger.Info("Instance API answered", "slot", slot, "attempts", attempts)
			return nil
		}
		p.Logger.Debug("Readiness probe failed", "slot", slot, "attempt", attempts, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrNotReady, addr, attempts, err)
		case <-time.After(p.Retry):
		}
	}
}

// probe sends one lightweight script call and waits for any JSON reply.
func (p *APIProber) probe(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: p.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(p.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	req := apiRequest{
		Topic: 1,
		Type:  "luascript",
		Payload: apiPayload{
			Function:  "openspace.version",
			Arguments: []any{},
			Return:    true,
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return fmt.Errorf("read reply: %w", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(line, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
