package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/renderpool/internal/api/models"
	"github.com/smazurov/renderpool/internal/events"
	"github.com/smazurov/renderpool/internal/logging"
	"github.com/smazurov/renderpool/internal/slots"
)

// tablePool serves a real slot table through the SlotSource interface.
type tablePool struct {
	table *slots.Table
}

func (p tablePool) Snapshot() []slots.Info { return p.table.Snapshot() }
func (p tablePool) Slot(id int) (slots.Info, error) { return p.table.Get(id) }
func (p tablePool) ServerStatus() (running, total int) { return p.table.Counts() }

func newTestServer(t *testing.T, capacity int) (*httptest.Server, *slots.Table, *events.Bus) {
	t.Helper()
	return newTestServerWithCORS(t, capacity, nil)
}

func newTestServerWithCORS(t *testing.T, capacity int, cors *CORSConfig) (*httptest.Server, *slots.Table, *events.Bus) {
	t.Helper()
	table := slots.NewTable(capacity, nil)
	bus := events.New()
	server := NewServer(&Options{
		Pool:     tablePool{table: table},
		EventBus: bus,
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "renderpool_slots_total 3\n")
		}),
		CORS: cors,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, table, bus
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d: %s", url, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthAndVersion(t *testing.T) {
	ts, _, _ := newTestServer(t, 1)

	var health models.HealthData
	getJSON(t, ts.URL+"/api/health", http.StatusOK, &health)
	if health.Status != "ok" {
		t.Errorf("health status = %q, want ok", health.Status)
	}

	var ver models.VersionData
	getJSON(t, ts.URL+"/api/version", http.StatusOK, &ver)
	if ver.GoVersion == "" || ver.Platform == "" {
		t.Errorf("version info incomplete: %+v", ver)
	}
}

func TestListSlots(t *testing.T) {
	ts, table, _ := newTestServer(t, 3)

	sess, err := table.Claim(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Attach(sess.ID, sess.Generation, nil, 4242, 4241); err != nil {
		t.Fatal(err)
	}
	if err := table.MarkRunning(sess.ID, sess.Generation); err != nil {
		t.Fatal(err)
	}

	var list models.SlotListData
	getJSON(t, ts.URL+"/api/slots", http.StatusOK, &list)

	if list.Running != 1 || list.Total != 3 || len(list.Slots) != 3 {
		t.Fatalf("unexpected list %+v", list)
	}
	first := list.Slots[0]
	if first.State != "RUNNING" || first.WorkerPID != 4242 || first.ShellPID != 4241 || first.Generation != 1 {
		t.Errorf("unexpected slot 0: %+v", first)
	}
	if list.Slots[1].State != "IDLE" {
		t.Errorf("slot 1 state = %s, want IDLE", list.Slots[1].State)
	}
}

func TestGetSlot(t *testing.T) {
	ts, table, _ := newTestServer(t, 2)
	if _, err := table.Claim(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path       string
		wantStatus int
		wantState  string
	}{
		{"/api/slots/0", http.StatusOK, "INITIALIZING"},
		{"/api/slots/1", http.StatusOK, "IDLE"},
		{"/api/slots/2", http.StatusNotFound, ""},
		{"/api/slots/abc", http.StatusUnprocessableEntity, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if tt.wantState == "" {
				getJSON(t, ts.URL+tt.path, tt.wantStatus, nil)
				return
			}
			var slot models.SlotData
			getJSON(t, ts.URL+tt.path, tt.wantStatus, &slot)
			if slot.State != tt.wantState {
				t.Errorf("state = %s, want %s", slot.State, tt.wantState)
			}
		})
	}
}

func TestLogsFilterAndLimit(t *testing.T) {
	logging.Initialize(logging.Config{Level: "debug", Format: "text"})
	ts, _, _ := newTestServer(t, 1)

	logger := logging.GetLogger("supervisor")
	logger.Info("Slot claimed", "slot", 0)
	logger.Info("Slot released", "slot", 0)
	logging.GetLogger("relay").Info("Relay listening")

	var logs models.LogsData
	getJSON(t, ts.URL+"/api/logs?module=supervisor&limit=1", http.StatusOK, &logs)

	if logs.Count != 1 || len(logs.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %+v", logs)
	}
	if logs.Entries[0].Message != "Slot released" || logs.Entries[0].Module != "supervisor" {
		t.Errorf("unexpected entry %+v", logs.Entries[0])
	}
}

func TestEventsStream(t *testing.T) {
	ts, _, bus := newTestServer(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect SSE: %v", err)
	}
	defer resp.Body.Close()

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("expected SSE content type, got %s", resp.Header.Get("Content-Type"))
	}

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	next := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timeout waiting for %q", prefix)
			}
		}
	}

	if ev := next("event:"); !strings.Contains(ev, "slots") {
		t.Errorf("expected initial slots snapshot, got %s", ev)
	}
	if data := next("data:"); !strings.Contains(data, `"total":2`) {
		t.Errorf("snapshot missing total: %s", data)
	}

	bus.Publish(events.SlotStateChangedEvent{
		Slot:      1,
		From:      "IDLE",
		To:        "INITIALIZING",
		Timestamp: time.Now().Format(time.RFC3339),
	})

	if ev := next("event:"); !strings.Contains(ev, "slot-state-changed") {
		t.Errorf("expected slot-state-changed event, got %s", ev)
	}
	if data := next("data:"); !strings.Contains(data, `"to":"INITIALIZING"`) || !strings.Contains(data, `"slot":1`) {
		t.Errorf("unexpected event data: %s", data)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	ts, _, _ := newTestServer(t, 1)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "renderpool_slots_total") {
		t.Errorf("metrics handler not mounted: %s", body)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/slots", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestCORSOriginAllowList(t *testing.T) {
	ts, _, _ := newTestServerWithCORS(t, 1, &CORSConfig{
		AllowOrigins: []string{"http://frontend.local"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       60,
	})

	tests := []struct {
		name       string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"listed origin", "http://frontend.local", http.StatusNoContent, "http://frontend.local"},
		{"other origin", "http://evil.local", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/slots", nil)
			req.Header.Set("Origin", tt.origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestLogStreamModuleFilter(t *testing.T) {
	ts, _, _ := newTestServer(t, 1)
	logging.Initialize(logging.Config{Level: "debug", Format: "text"})
	logging.GetLogger("supervisor").Info("Slot claimed", "slot", 0)
	logging.GetLogger("relay").Info("Relay listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/logs/stream?module=relay", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect SSE: %v", err)
	}
	defer resp.Body.Close()

	line := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "data:") {
				line <- scanner.Text()
				return
			}
		}
	}()

	select {
	case got := <-line:
		if !strings.Contains(got, `"module":"relay"`) || !strings.Contains(got, "Relay listening") {
			t.Errorf("unexpected first entry %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for replayed entry")
	}
}
