package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"vawter.tech/stopper"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEchoTarget starts a websocket server that echoes every message.
func newEchoTarget(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// recordingDialer dials target regardless of the requested URL and
// remembers what was asked for.
type recordingDialer struct {
	mu     sync.Mutex
	target string
	urls   []string
	err    error
}

func (d *recordingDialer) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.target, nil)
	return conn, err
}

func (d *recordingDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func newTestRelay(t *testing.T, d *recordingDialer) string {
	t.Helper()
	r := New(DefaultPolicy(), WithDialer(d.dial), WithLogger(discardLogger()))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func connect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestRejectedPathClosesWithoutDial(t *testing.T) {
	d := &recordingDialer{target: newEchoTarget(t)}
	base := newTestRelay(t, d)

	tests := []struct {
		path   string
		reason string
	}{
		{"/99999", ReasonInvalidRange},
		{"/4681", ReasonInvalidRange},
		{"/abc", ReasonInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			conn := connect(t, base+tt.path)
			_, _, err := conn.ReadMessage()
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("expected close error, got %v", err)
			}
			if ce.Code != websocket.ClosePolicyViolation || ce.Text != tt.reason {
				t.Errorf("close = %d %q, want 1008 %q", ce.Code, ce.Text, tt.reason)
			}
		})
	}

	if urls := d.dialed(); len(urls) != 0 {
		t.Errorf("rejected paths must not dial, dialed %v", urls)
	}
}

func TestDialFailureCloses1011(t *testing.T) {
	d := &recordingDialer{err: errors.New("connection refused")}
	base := newTestRelay(t, d)

	conn := connect(t, base+"/4682")
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseInternalServerErr {
		t.Fatalf("expected 1011 close, got %v", err)
	}
	if urls := d.dialed(); len(urls) != 1 || urls[0] != "ws://localhost:4682" {
		t.Errorf("unexpected dial %v", urls)
	}
}

func TestRelayNumberedPort(t *testing.T) {
	d := &recordingDialer{target: newEchoTarget(t)}
	base := newTestRelay(t, d)

	conn := connect(t, base+"/4683")

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if string(data) != readyMessage {
		t.Fatalf("first message = %q, want %q", data, readyMessage)
	}

	messages := []struct {
		kind int
		data string
	}{
		{websocket.TextMessage, `{"type":"luascript"}`},
		{websocket.BinaryMessage, "\x00\x01\x02"},
	}
	for _, m := range messages {
		if err := conn.WriteMessage(m.kind, []byte(m.data)); err != nil {
			t.Fatalf("write: %v", err)
		}
		kind, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read echo: %v", err)
		}
		if kind != m.kind || string(got) != m.data {
			t.Errorf("echo = %d %q, want %d %q", kind, got, m.kind, m.data)
		}
	}
}

func TestRelayDevAliasSkipsReady(t *testing.T) {
	d := &recordingDialer{target: newEchoTarget(t)}
	base := newTestRelay(t, d)

	conn := connect(t, base+"/ws")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hmr")); err != nil {
		t.Fatal(err)
	}
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hmr" {
		t.Errorf("first message = %q, want the echo with no ready announcement", got)
	}
	if urls := d.dialed(); len(urls) != 1 || urls[0] != "ws://localhost:4690/ws" {
		t.Errorf("unexpected dial %v", urls)
	}
}

func TestRelayPropagatesClientClose(t *testing.T) {
	closed := make(chan int, 1)
	upgrader := websocket.Upgrader{}
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closed <- ce.Code
		} else {
			closed <- -1
		}
	}))
	defer target.Close()

	d := &recordingDialer{target: "ws" + strings.TrimPrefix(target.URL, "http")}
	base := newTestRelay(t, d)

	conn := connect(t, base+"/4682")
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-closed:
		if code != websocket.CloseGoingAway {
			t.Errorf("target saw close code %d, want %d", code, websocket.CloseGoingAway)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("target never saw the close")
	}
}

func TestRelayListenAndRun(t *testing.T) {
	d := &recordingDialer{target: newEchoTarget(t)}
	r := New(DefaultPolicy(), WithDialer(d.dial), WithLogger(discardLogger()))
	if err := r.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	sctx := stopper.WithContext(context.Background())
	sctx.Go(func(sctx *stopper.Context) error {
		return r.Run(sctx)
	})

	conn := connect(t, "ws://"+r.Addr().String()+"/4682")
	if _, data, err := conn.ReadMessage(); err != nil || string(data) != readyMessage {
		t.Fatalf("ready = %q, %v", data, err)
	}

	sctx.Stop(time.Second)
	if err := sctx.Wait(); err != nil {
		t.Errorf("Run returned %v", err)
	}
}
