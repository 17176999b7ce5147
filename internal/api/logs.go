package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/renderpool/internal/api/models"
	"github.com/smazurov/renderpool/internal/events"
	"github.com/smazurov/renderpool/internal/logging"
)

// registerLogRoutes registers the log history and log streaming endpoints.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Log History",
		Description: "Get buffered log entries, optionally filtered by module",
		Tags:        []string{"logs"},
	}, func(ctx context.Context, input *models.LogsRequest) (*models.LogsResponse, error) {
		var entries []logging.LogEntry
		if buffer := logging.GetBuffer(); buffer != nil {
			entries = buffer.Tail(input.Limit, func(e logging.LogEntry) bool {
				return input.Module == "" || e.Module == input.Module
			})
		}

		data := make([]models.LogEntryData, 0, len(entries))
		for _, entry := range entries {
			data = append(data, toLogEntryData(entry))
		}

		return &models.LogsResponse{
			Body: models.LogsData{
				Entries: data,
				Count:   len(data),
			},
		}, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Buffered entries are replayed first.",
		Tags:        []string{"logs"},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, input *models.LogStreamRequest, send sse.Sender) {
		// Subscribe before replaying history so nothing logged in between is lost.
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		if buffer := logging.GetBuffer(); buffer != nil {
			history := buffer.Tail(0, func(e logging.LogEntry) bool {
				return input.Module == "" || e.Module == input.Module
			})
			for _, entry := range history {
				if err := send.Data(toLogEntryEvent(entry)); err != nil {
					return
				}
			}
		}

		pump(ctx, send, eventCh, func(ev any) bool {
			e, ok := ev.(events.LogEntryEvent)
			return ok && (input.Module == "" || e.Module == input.Module)
		})
	})
}

func toLogEntryEvent(entry logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Level:      entry.Level,
		Module:     entry.Module,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}

func toLogEntryData(entry logging.LogEntry) models.LogEntryData {
	return models.LogEntryData{
		Timestamp:  entry.Timestamp,
		Level:      entry.Level,
		Module:     entry.Module,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}
