package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/renderpool/internal/process"
)

// Errors returned by Table operations.
var (
	ErrNoIdleSlot        = errors.New("no available slots")
	ErrInvalidID         = errors.New("invalid id")
	ErrNotRunning        = errors.New("not running")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStaleSession      = errors.New("stale session")
)

// Session identifies one claim of a slot. Ctx is cancelled when the
// session is stopped or released.
type Session struct {
	ID         int
	Generation uint64
	Ctx        context.Context
}

// Info is a point-in-time copy of a slot.
type Info struct {
	ID         int
	State      State
	Generation uint64
	Handle     *process.Handle
	WorkerPID  int
	ShellPID   int
	Since      time.Time
}

// StateChangeCallback is called after every committed transition,
// outside the table lock.
type StateChangeCallback func(id int, oldState, newState State)

type slot struct {
	id         int
	state      State
	generation uint64
	handle     *process.Handle
	workerPID  int
	shellPID   int
	cancel     context.CancelFunc
	since      time.Time
}

type change struct {
	id       int
	from, to State
}

// Table is the fixed-capacity instance pool. All reads and writes of slot
// state go through its mutex, so claim and stop decisions are atomic.
type Table struct {
	mu       sync.Mutex
	slots    []*slot
	onChange StateChangeCallback
}

// NewTable creates a table with capacity idle slots.
func NewTable(capacity int, onChange StateChangeCallback) *Table {
	if capacity < 0 {
		capacity = 0
	}
	t := &Table{
		slots:    make([]*slot, capacity),
		onChange: onChange,
	}
	now := time.Now()
	for i := range t.slots {
		t.slots[i] = &slot{id: i, state: StateIdle, since: now}
	}
	return t
}

// Len returns the table capacity.
func (t *Table) Len() int {
	return len(t.slots)
}

// Claim moves the lowest-index idle slot to INITIALIZING and returns its session.
func (t *Table) Claim(parent context.Context) (Session, error) {
	t.mu.Lock()
	var changes []change
	for _, s := range t.slots {
		if s.state != StateIdle {
			continue
		}
		if err := t.set(s, StateInitializing, &changes); err != nil {
			t.mu.Unlock()
			return Session{}, err
		}
		s.generation++
		ctx, cancel := context.WithCancel(parent)
		s.cancel = cancel
		sess := Session{ID: s.id, Generation: s.generation, Ctx: ctx}
		t.mu.Unlock()
		t.notify(changes)
		return sess, nil
	}
	t.mu.Unlock()
	return Session{}, ErrNoIdleSlot
}

// BeginStop moves an active slot to DEINITIALIZING and cancels its session.
// A slot already deinitializing is accepted again without a state change.
func (t *Table) BeginStop(id int) (Info, error) {
	t.mu.Lock()
	s, err := t.lookup(id)
	if err != nil {
		t.mu.Unlock()
		return Info{}, err
	}
	if s.state == StateIdle {
		info := s.info()
		t.mu.Unlock()
		return info, ErrNotRunning
	}

	var changes []change
	if s.state != StateDeinitializing {
		if err := t.set(s, StateDeinitializing, &changes); err != nil {
			t.mu.Unlock()
			return Info{}, err
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	info := s.info()
	t.mu.Unlock()
	t.notify(changes)
	return info, nil
}

// Attach records the processes owned by a session. It returns the slot
// state at the time of attachment so the caller can react to a stop that
// raced the spawn.
func (t *Table) Attach(id int, gen uint64, h *process.Handle, workerPID, shellPID int) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.session(id, gen)
	if err != nil {
		return StateIdle, err
	}
	s.handle = h
	s.workerPID = workerPID
	s.shellPID = shellPID
	return s.state, nil
}

// MarkRunning moves a session from INITIALIZING to RUNNING.
func (t *Table) MarkRunning(id int, gen uint64) error {
	t.mu.Lock()
	s, err := t.session(id, gen)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	var changes []change
	err = t.set(s, StateRunning, &changes)
	t.mu.Unlock()
	t.notify(changes)
	return err
}

// Release returns a session's slot to IDLE, passing through
// DEINITIALIZING when the slot was still active.
func (t *Table) Release(id int, gen uint64) error {
	t.mu.Lock()
	s, err := t.session(id, gen)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	var changes []change
	if s.state != StateDeinitializing {
		if err := t.set(s, StateDeinitializing, &changes); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	err = t.set(s, StateIdle, &changes)
	s.reset()
	t.mu.Unlock()
	t.notify(changes)
	return err
}

// Expire frees a slot whose deinitialization grace period has elapsed.
// It is a no-op unless the slot is still deinitializing the same session.
func (t *Table) Expire(id int, gen uint64) (bool, error) {
	t.mu.Lock()
	s, err := t.session(id, gen)
	if err != nil {
		t.mu.Unlock()
		return false, err
	}
	if s.state != StateDeinitializing {
		t.mu.Unlock()
		return false, nil
	}
	var changes []change
	if err := t.set(s, StateIdle, &changes); err != nil {
		t.mu.Unlock()
		return false, err
	}
	s.reset()
	t.mu.Unlock()
	t.notify(changes)
	return true, nil
}

// Get returns a copy of one slot.
func (t *Table) Get(id int) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// State returns the current state of one slot.
func (t *Table) State(id int) (State, error) {
	info, err := t.Get(id)
	if err != nil {
		return StateIdle, err
	}
	return info.State, nil
}

// Snapshot returns a copy of every slot in index order.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, len(t.slots))
	for i, s := range t.slots {
		out[i] = s.info()
	}
	return out
}

// Counts returns the number of non-idle slots and the capacity.
func (t *Table) Counts() (running, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.state.Active() {
			running++
		}
	}
	return running, len(t.slots)
}

// OwnedPIDs returns the worker and shell pids recorded for active slots.
func (t *Table) OwnedPIDs() map[int]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	owned := make(map[int]bool)
	for _, s := range t.slots {
		if s.workerPID > 0 {
			owned[s.workerPID] = true
		}
		if s.shellPID > 0 {
			owned[s.shellPID] = true
		}
	}
	return owned
}

// lookup returns the slot for id (must hold lock).
func (t *Table) lookup(id int) (*slot, error) {
	if id < 0 || id >= len(t.slots) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return t.slots[id], nil
}

// session returns the slot if it still belongs to generation gen (must hold lock).
func (t *Table) session(id int, gen uint64) (*slot, error) {
	s, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.generation != gen || s.state == StateIdle {
		return nil, fmt.Errorf("%w: slot %d generation %d", ErrStaleSession, id, gen)
	}
	return s, nil
}

// set applies one transition (must hold lock).
func (t *Table) set(s *slot, to State, changes *[]change) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: slot %d %s -> %s", ErrInvalidTransition, s.id, s.state, to)
	}
	*changes = append(*changes, change{id: s.id, from: s.state, to: to})
	s.state = to
	s.since = time.Now()
	return nil
}

func (t *Table) notify(changes []change) {
	if t.onChange == nil {
		return
	}
	for _, c := range changes {
		t.onChange(c.id, c.from, c.to)
	}
}

func (s *slot) info() Info {
	return Info{
		ID:         s.id,
		State:      s.state,
		Generation: s.generation,
		Handle:     s.handle,
		WorkerPID:  s.workerPID,
		ShellPID:   s.shellPID,
		Since:      s.since,
	}
}

// reset clears per-session fields once the slot is idle.
func (s *slot) reset() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.handle = nil
	s.workerPID = 0
	s.shellPID = 0
}
