package events

// Event type constants for kelindar/event.
const (
	TypeSlotStateChanged uint32 = iota + 1
	TypeInstanceFailed
	TypeServiceState
	TypeCommandHandled
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SlotStateChangedEvent is published after every committed slot transition.
type SlotStateChangedEvent struct {
	Slot      int    `json:"slot" example:"0" doc:"Slot index"`
	From      string `json:"from" example:"INITIALIZING" doc:"Previous state"`
	To        string `json:"to" example:"RUNNING" doc:"New state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Transition timestamp"`
}

// Type returns the event type identifier for SlotStateChangedEvent.
func (e SlotStateChangedEvent) Type() uint32 { return TypeSlotStateChanged }

// InstanceFailedEvent is published when a launch fails and its slot is
// returned to the pool.
type InstanceFailedEvent struct {
	Slot      int    `json:"slot" example:"1" doc:"Slot index"`
	Error     string `json:"error" example:"instance not ready" doc:"Failure reason"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Failure timestamp"`
}

// Type returns the event type identifier for InstanceFailedEvent.
func (e InstanceFailedEvent) Type() uint32 { return TypeInstanceFailed }

// ServiceStateEvent reports auxiliary service lifecycle.
type ServiceStateEvent struct {
	Service   string `json:"service" example:"signaling" doc:"Service name"`
	State     string `json:"state" example:"started" doc:"started, exited or stopped"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ServiceStateEvent.
func (e ServiceStateEvent) Type() uint32 { return TypeServiceState }

// CommandHandledEvent is published for every control command answered.
type CommandHandledEvent struct {
	Command   string `json:"command" example:"START" doc:"Command name as received"`
	ID        *int   `json:"id,omitempty" example:"0" doc:"Slot index, when the command carries one"`
	Error     string `json:"error" example:"none" doc:"Error field of the reply"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CommandHandledEvent.
func (e CommandHandledEvent) Type() uint32 { return TypeCommandHandled }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"supervisor" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
