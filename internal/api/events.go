package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/renderpool/internal/api/models"
	"github.com/smazurov/renderpool/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint for pool events.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Current slot snapshot followed by a real-time stream of slot transitions, instance failures, service lifecycle and handled commands",
		Tags:        []string{"events"},
	}, map[string]any{
		"slots":              models.SlotListData{},
		"slot-state-changed": events.SlotStateChangedEvent{},
		"instance-failed":    events.InstanceFailedEvent{},
		"service-state":      events.ServiceStateEvent{},
		"command-handled":    events.CommandHandledEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.SlotStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.InstanceFailedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ServiceStateEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.CommandHandledEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Snapshot first so clients can apply the following deltas to it.
		if err := send.Data(s.slotList()); err != nil {
			return
		}
		pump(ctx, send, eventCh, nil)
	})
}

// pump forwards events from ch to the client until the request ends or a
// write fails. Events rejected by keep are skipped.
func pump(ctx context.Context, send sse.Sender, ch <-chan any, keep func(any) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if keep != nil && !keep(ev) {
				continue
			}
			if err := send.Data(ev); err != nil {
				return
			}
		}
	}
}
