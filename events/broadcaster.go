// Package events implements the per-task ordered event fan-out (C9): a
// single publish call reaches every live subscriber for a task, slow
// subscribers drop their oldest queued event rather than block the
// producer, and each subscriber observes events in the order they were
// published.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskmesh/orchestrator/core"
)

// subscriberQueueCapacity bounds the per-subscriber backlog before the
// broadcaster starts dropping the oldest queued event to keep up.
const subscriberQueueCapacity = 256

// Kind enumerates the event types the pipeline driver and scheduler emit.
type Kind string

const (
	KindPlanningStarted   Kind = "planning_started"
	KindPlanningReasoning Kind = "planning_reasoning"
	KindPlanReady         Kind = "plan_ready"
	KindStepStarted       Kind = "step_started"
	KindStepCompleted     Kind = "step_completed"
	KindStepFailed        Kind = "step_failed"
	KindReplanning        Kind = "replanning"
	KindTaskDone          Kind = "task_done"
)

// Event is the value type published and delivered to subscribers. Safe to
// share across goroutines since it is never mutated after construction.
type Event struct {
	TaskID string      `json:"task_id"`
	Event  Kind        `json:"event"`
	Data   interface{} `json:"data"`
	// CorrelationID ties one Publish call to its delivered copies across
	// every subscriber, for tracing a single event through logs independent
	// of which NDJSON stream connection received it. Assigned by Publish
	// when the caller leaves it blank.
	CorrelationID string `json:"correlation_id"`
}

type subscriber struct {
	id    uint64
	queue chan Event
}

// Broadcaster fans out events to per-task subscribers. It is a
// process-global singleton, constructed once and shared by every task's
// Pipeline Driver and Scheduler.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64
	logger core.Logger

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

func componentLogger(logger core.Logger, component string) core.Logger {
	if logger == nil {
		return core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		return aware.WithComponent(component)
	}
	return logger
}

// NewBroadcaster constructs an empty Broadcaster. It registers OTel
// counters on the global meter provider for published and dropped events;
// a meter provider failure only disables metrics, it never prevents the
// Broadcaster from fanning out events.
func NewBroadcaster(logger core.Logger) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[string]map[uint64]*subscriber),
		logger: componentLogger(logger, "engine/events"),
	}

	meter := otel.Meter("taskmesh/events")
	if c, err := meter.Int64Counter("events.published",
		metric.WithDescription("events passed to Publish, whether or not any subscriber is registered")); err == nil {
		b.published = c
	}
	if c, err := meter.Int64Counter("events.dropped",
		metric.WithDescription("events evicted from a full subscriber queue")); err == nil {
		b.dropped = c
	}
	return b
}

// Subscription is the handle a caller uses to receive events for one task
// and to unsubscribe when done.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close unsubscribes; safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe registers a new subscriber for taskID and returns its channel.
func (b *Broadcaster) Subscribe(taskID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{id: id, queue: make(chan Event, subscriberQueueCapacity)}
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[uint64]*subscriber)
	}
	b.subs[taskID][id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m, ok := b.subs[taskID]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, taskID)
				}
			}
		})
	}

	return &Subscription{C: sub.queue, cancel: cancel}
}

// Publish delivers event to every live subscriber of event.TaskID, in the
// order Publish is called. A subscriber whose queue is full has its oldest
// queued event dropped rather than blocking the producer.
func (b *Broadcaster) Publish(event Event) {
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[event.TaskID]))
	for _, s := range b.subs[event.TaskID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
	if b.published != nil {
		b.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(event.Event))))
	}
}

func (b *Broadcaster) deliver(s *subscriber, event Event) {
	select {
	case s.queue <- event:
		return
	default:
	}

	// Queue full: drop the oldest event to make room, then enqueue.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- event:
	default:
		b.logger.Warn("subscriber queue still full after eviction, dropping event", map[string]interface{}{
			"task_id": event.TaskID,
			"event":   string(event.Event),
		})
	}
	if b.dropped != nil {
		b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(event.Event))))
	}
}

// SubscriberCount reports how many subscribers are currently registered for
// taskID. Primarily for tests and diagnostics.
func (b *Broadcaster) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}
