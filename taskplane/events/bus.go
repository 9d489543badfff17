// Package events is the in-process broadcast channel for task lifecycle
// frames. Delivery is best-effort: a slow subscriber is evicted rather than
// back-pressuring the producer, and nothing here is durable.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/partshive/partshive/taskplane/observability"
	"github.com/partshive/partshive/taskplane/task"
)

// Frame kinds carried over the subscription channel.
const (
	KindUpdate = "update"
	KindLog    = "log"
	KindAudit  = "audit"
)

// Log levels for TaskLog frames.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Frame is a single event pushed to subscribers. Exactly one of Task or the
// log fields is populated, keyed by Kind.
type Frame struct {
	Kind string `json:"kind"`

	// KindUpdate: snapshot of the row after the mutation.
	Task *task.Task `json:"task,omitempty"`

	// KindLog / KindAudit.
	TaskID  string    `json:"task_id,omitempty"`
	Level   string    `json:"level,omitempty"`
	Step    string    `json:"step,omitempty"`
	Message string    `json:"message,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	TS      time.Time `json:"ts"`
}

const defaultSubscriberBuffer = 64

// Subscriber receives frames on a bounded channel. When the buffer fills the
// bus closes the channel and forgets the subscriber; the consumer is expected
// to catch up via the store.
type Subscriber struct {
	C      chan Frame
	bus    *Bus
	closed bool
}

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans frames out to all current subscribers. Publish order is the frame
// order each subscriber observes; per-task ordering follows from publishing
// under the bus lock immediately after the store write.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
}

// NewBus creates a Bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		buffer: defaultSubscriberBuffer,
	}
}

// Subscribe registers a new subscriber. bufferSize <= 0 uses the default.
func (b *Bus) Subscribe(bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = b.buffer
	}
	sub := &Subscriber{
		C:   make(chan Frame, bufferSize),
		bus: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	observability.BusSubscribers.Set(float64(n))
	return sub
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(sub)
}

func (b *Bus) dropLocked(sub *Subscriber) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
	observability.BusSubscribers.Set(float64(len(b.subs)))
}

// Publish delivers a frame to every subscriber without blocking. A full
// subscriber buffer drops that subscriber.
func (b *Bus) Publish(f Frame) {
	if f.TS.IsZero() {
		f.TS = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.C <- f:
		default:
			log.Printf("[EVENTS] dropping slow subscriber (buffer %d full)", cap(sub.C))
			observability.BusDroppedSubscribers.Inc()
			b.dropLocked(sub)
		}
	}
}

// PublishUpdate pushes a task snapshot frame.
func (b *Bus) PublishUpdate(t *task.Task) {
	if t == nil {
		return
	}
	observability.BusFrames.WithLabelValues(KindUpdate).Inc()
	b.Publish(Frame{Kind: KindUpdate, Task: t.Clone(), TaskID: t.ID})
}

// PublishLog pushes a structured log line for a task.
func (b *Bus) PublishLog(taskID, level, step, message string) {
	observability.BusFrames.WithLabelValues(KindLog).Inc()
	b.Publish(Frame{Kind: KindLog, TaskID: taskID, Level: level, Step: step, Message: message})
}

// PublishAudit records a policy outcome for a submission attempt.
func (b *Bus) PublishAudit(actor string, typ task.Type, outcome, reason string) {
	observability.BusFrames.WithLabelValues(KindAudit).Inc()
	b.Publish(Frame{
		Kind:    KindAudit,
		Actor:   actor,
		TaskID:  "",
		Level:   LevelInfo,
		Step:    string(typ),
		Outcome: outcome,
		Message: reason,
	})
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
