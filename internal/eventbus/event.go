// Package eventbus implements the Event Bus (§4.4): a priority-aware pub/sub
// fabric with optional adaptive batching that lets multiple execution
// streams coordinate.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the closed vocabulary of §6.3.
type EventType string

const (
	EventExecutionStarted    EventType = "execution_started"
	EventExecutionCompleted  EventType = "execution_completed"
	EventExecutionFailed     EventType = "execution_failed"
	EventExecutionPaused     EventType = "execution_paused"
	EventExecutionResumed    EventType = "execution_resumed"
	EventStateChanged        EventType = "state_changed"
	EventStateConflict       EventType = "state_conflict"
	EventGoalProgress        EventType = "goal_progress"
	EventGoalAchieved        EventType = "goal_achieved"
	EventConstraintViolation EventType = "constraint_violation"
	EventStreamStarted       EventType = "stream_started"
	EventStreamStopped       EventType = "stream_stopped"
	EventCustom              EventType = "custom"
)

// Priority orders delivery within the batched path. Lower numeric value is
// higher priority, matching the reference implementation's enum.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// defaultPriorities maps an event type to its priority when the publisher
// does not set one explicitly.
var defaultPriorities = map[EventType]Priority{
	EventConstraintViolation: PriorityCritical,
	EventExecutionFailed:     PriorityCritical,
	EventExecutionCompleted:  PriorityHigh,
	EventGoalAchieved:        PriorityHigh,
	EventStateConflict:       PriorityHigh,
	EventGoalProgress:        PriorityLow,
}

func defaultPriorityFor(t EventType) Priority {
	if p, ok := defaultPriorities[t]; ok {
		return p
	}
	return PriorityNormal
}

// Event is one message published on the bus.
type Event struct {
	ID            string
	Type          EventType
	StreamID      string
	ExecutionID   string
	Data          map[string]any
	Timestamp     time.Time
	CorrelationID string
	Priority      Priority

	// priorityExplicit records whether Priority was set by the caller, so
	// Publish can still apply the default mapping when it was left zero-valued
	// (PriorityCritical is also zero, so a bool flag is needed rather than
	// relying on the zero value).
	priorityExplicit bool
}

// NewEvent constructs an Event, deriving its priority from the type's
// default mapping unless overridden with WithPriority.
func NewEvent(t EventType, streamID string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		StreamID:  streamID,
		Data:      data,
		Timestamp: time.Now(),
		Priority:  defaultPriorityFor(t),
	}
}

// WithExecutionID sets the execution id and returns the event for chaining.
func (e Event) WithExecutionID(id string) Event {
	e.ExecutionID = id
	return e
}

// WithCorrelationID sets the correlation id and returns the event for chaining.
func (e Event) WithCorrelationID(id string) Event {
	e.CorrelationID = id
	return e
}

// WithPriority overrides the default type-derived priority.
func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	e.priorityExplicit = true
	return e
}

// Handler processes a delivered event. Handler panics/errors are caught by
// the bus and never propagate to the publisher or to other handlers.
type Handler func(e Event)

// Subscription is a live registration returned opaquely by an id.
type Subscription struct {
	ID           string
	EventTypes   map[EventType]struct{}
	Handler      Handler
	FilterStream string
	FilterExec   string
}

func (s *Subscription) matches(e Event) bool {
	if _, ok := s.EventTypes[e.Type]; !ok {
		return false
	}
	if s.FilterStream != "" && s.FilterStream != e.StreamID {
		return false
	}
	if s.FilterExec != "" && s.FilterExec != e.ExecutionID {
		return false
	}
	return true
}
