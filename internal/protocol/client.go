package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smazurov/renderpool/internal/version"
)

// Send performs one request/reply exchange with the command server at url.
func Send(ctx context.Context, url string, req Request) (Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, version.Header())
	if err != nil {
		return Response{}, fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		return Response{}, fmt.Errorf("read reply: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return Response{}, fmt.Errorf("decode reply: %w", err)
	}
	return resp, nil
}
