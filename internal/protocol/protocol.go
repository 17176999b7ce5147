// Package protocol defines the JSON control protocol spoken on the command
// port: one request and one reply per websocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Commands.
const (
	CommandStart        = "START"
	CommandStop         = "STOP"
	CommandStatus       = "STATUS"
	CommandServerStatus = "SERVER_STATUS"
)

// Reply error strings.
const (
	ErrNone           = "none"
	ErrNoSlots        = "no available slots"
	ErrNotRunning     = "not running"
	ErrInvalidID      = "invalid id"
	ErrDecode         = "json decode error"
	invalidMessageFmt = "invalid message received: %s"
)

// StatusInvalid is the status reported for an out-of-range slot id.
const StatusInvalid = "INVALID"

// Request is an inbound command.
type Request struct {
	Command string `json:"command"`
	ID      *int   `json:"id,omitempty"`
}

// Response is the reply to one Request. Only the fields relevant to the
// command are set.
type Response struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
	ID      *int   `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
	Running *int   `json:"running,omitempty"`
	Total   *int   `json:"total,omitempty"`
}

// Decode parses a request. Any payload that is not a JSON object with a
// string command is a decode error.
func Decode(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Command == "" {
		return Request{}, fmt.Errorf("decode request: missing command")
	}
	return req, nil
}

// DecodeError is the reply for a malformed payload.
func DecodeError() Response {
	return Response{Error: ErrDecode}
}

// InvalidMessage is the reply for an unrecognized command.
func InvalidMessage(command string) Response {
	return Response{Error: fmt.Sprintf(invalidMessageFmt, command)}
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
