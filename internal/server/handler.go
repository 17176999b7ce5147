package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/smazurov/renderpool/internal/protocol"
	"github.com/smazurov/renderpool/internal/slots"
)

// Handle decodes one command, dispatches it to the pool and builds the
// reply. It never fails: every error is reported in the reply.
func (s *Server) Handle(ctx context.Context, data []byte) protocol.Response {
	req, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("JSON decode error", "error", err)
		resp := protocol.DecodeError()
		s.observe(req, resp)
		return resp
	}
	s.logger.Info("Received command", "command", req.Command, "id", idAttr(req.ID))

	var resp protocol.Response
	switch req.Command {
	case protocol.CommandStart:
		resp = s.handleStart(ctx)
	case protocol.CommandStop:
		resp = s.handleStop(req)
	case protocol.CommandStatus:
		resp = s.handleStatus(req)
	case protocol.CommandServerStatus:
		running, total := s.pool.ServerStatus()
		resp = protocol.Response{
			Command: req.Command,
			Error:   protocol.ErrNone,
			Running: protocol.IntPtr(running),
			Total:   protocol.IntPtr(total),
		}
	default:
		s.logger.Warn("Invalid message received", "command", req.Command)
		resp = protocol.InvalidMessage(req.Command)
	}

	s.observe(req, resp)
	return resp
}

func (s *Server) handleStart(ctx context.Context) protocol.Response {
	resp := protocol.Response{Command: protocol.CommandStart, Error: protocol.ErrNone}
	// The launch outlives the connection that requested it.
	id, err := s.pool.Start(context.WithoutCancel(ctx))
	if err != nil {
		resp.ID = protocol.IntPtr(-1)
		resp.Error = replyError(err)
		return resp
	}
	resp.ID = protocol.IntPtr(id)
	return resp
}

func (s *Server) handleStop(req protocol.Request) protocol.Response {
	resp := protocol.Response{Command: protocol.CommandStop, Error: protocol.ErrNone, ID: req.ID}
	if req.ID == nil {
		resp.Error = protocol.ErrInvalidID
		return resp
	}
	if err := s.pool.Stop(*req.ID); err != nil {
		resp.Error = replyError(err)
	}
	return resp
}

func (s *Server) handleStatus(req protocol.Request) protocol.Response {
	resp := protocol.Response{Command: protocol.CommandStatus, Error: protocol.ErrNone, ID: req.ID}
	if req.ID == nil {
		resp.Status = protocol.StatusInvalid
		resp.Error = protocol.ErrInvalidID
		return resp
	}
	state, err := s.pool.Status(*req.ID)
	if err != nil {
		resp.Status = protocol.StatusInvalid
		resp.Error = replyError(err)
		return resp
	}
	resp.Status = state.String()
	return resp
}

// replyError maps pool errors to the fixed reply strings.
func replyError(err error) string {
	switch {
	case errors.Is(err, slots.ErrNoIdleSlot):
		return protocol.ErrNoSlots
	case errors.Is(err, slots.ErrInvalidID):
		return protocol.ErrInvalidID
	case errors.Is(err, slots.ErrNotRunning):
		return protocol.ErrNotRunning
	default:
		return err.Error()
	}
}

func (s *Server) observe(req protocol.Request, resp protocol.Response) {
	if s.onCommand != nil {
		s.onCommand(req, resp)
	}
}

func idAttr(id *int) any {
	if id == nil {
		return nil
	}
	return *id
}

func marshal(resp protocol.Response) ([]byte, error) {
	return json.Marshal(resp)
}
