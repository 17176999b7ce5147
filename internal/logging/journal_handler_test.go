package logging

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

type journalRecord struct {
	message  string
	priority journal.Priority
	fields   map[string]string
}

func newCapturingJournal(level slog.Level) (*JournalHandler, *[]journalRecord) {
	var records []journalRecord
	h := NewJournalHandler(level)
	h.send = func(message string, p journal.Priority, fields map[string]string) error {
		records = append(records, journalRecord{message, p, fields})
		return nil
	}
	return h, &records
}

func TestJournalHandlerFields(t *testing.T) {
	h, records := newCapturingJournal(slog.LevelDebug)
	logger := slog.New(h).With("module", "supervisor")

	logger.Warn("Slot state changed",
		"slot", 1,
		"shell-pid", 4241,
		"_private", true,
		slog.Group("timing", slog.Duration("settle", 2*time.Second)),
	)

	if len(*records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(*records))
	}
	rec := (*records)[0]
	if rec.message != "Slot state changed" || rec.priority != journal.PriWarning {
		t.Errorf("unexpected record %q priority %d", rec.message, rec.priority)
	}

	want := map[string]string{
		"SYSLOG_IDENTIFIER": "renderpool",
		"MODULE":            "supervisor",
		"SLOT":              "1",
		"SHELL_PID":         "4241",
		"PRIVATE":           "true",
		"TIMING_SETTLE":     "2s",
	}
	for k, v := range want {
		if rec.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, rec.fields[k], v)
		}
	}
}

func TestJournalHandlerGroupPrefix(t *testing.T) {
	h, records := newCapturingJournal(slog.LevelInfo)
	slog.New(h).WithGroup("http").Info("done", "status", 200)

	if got := (*records)[0].fields["HTTP_STATUS"]; got != "200" {
		t.Errorf("HTTP_STATUS = %q, want 200", got)
	}
}

func TestJournalHandlerLevel(t *testing.T) {
	h, _ := newCapturingJournal(slog.LevelWarn)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be filtered at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should pass at warn level")
	}
}
