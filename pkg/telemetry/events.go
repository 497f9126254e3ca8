package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification published to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the orchestrator.
const (
	EventTypeRunCreated       = "run.created"
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypeRunCancelled     = "run.cancelled"
	EventTypeRunDeadLettered  = "run.dead_lettered"
	EventTypeStepSucceeded    = "step.succeeded"
	EventTypeStepFailed       = "step.failed"
	EventTypeApprovalRequired = "approval.required"
	EventTypeApprovalDecided  = "approval.decided"
)

// EventSubscriber handles published events.
type EventSubscriber func(event Event)

// EventPublisher fans events out to registered subscribers. Publishing
// never blocks the caller; a full buffer drops the event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	mu          sync.RWMutex
	done        chan struct{}
	once        sync.Once
}

// NewEventPublisher creates a publisher and starts its delivery loop.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg, done: make(chan struct{})}
	if cfg.Enabled {
		ep.buffer = make(chan Event, cfg.BufferSize)
		go ep.deliver()
	}
	return ep
}

// Subscribe registers a subscriber for all events.
func (ep *EventPublisher) Subscribe(fn EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, fn)
}

// Publish enqueues an event for delivery.
func (ep *EventPublisher) Publish(event Event) {
	if !ep.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case ep.buffer <- event:
	case <-ep.done:
	default:
		// Buffer full; observability events are droppable.
	}
}

func (ep *EventPublisher) deliver() {
	for {
		select {
		case event := <-ep.buffer:
			ep.mu.RLock()
			subs := ep.subscribers
			ep.mu.RUnlock()
			for _, fn := range subs {
				fn(event)
			}
		case <-ep.done:
			return
		}
	}
}

// Close stops the delivery loop.
func (ep *EventPublisher) Close() {
	ep.once.Do(func() { close(ep.done) })
}
