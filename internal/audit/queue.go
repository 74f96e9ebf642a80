package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default queue bounds and waits.
const (
	DefaultCapacity     = 1024
	DefaultCriticalWait = 50 * time.Millisecond
)

// Observer receives queue depth/drop signals; wired to prometheus by the
// metrics package, nil-safe throughout.
type Observer interface {
	QueueDepth(depth int)
	OldestAge(age time.Duration)
	Dropped(critical bool)
}

type queued struct {
	event      *Event
	enqueuedAt time.Time
}

// Queue is the bounded audit FIFO. Enqueue is non-blocking for the hot
// path: critical events apply a bounded blocking wait on overflow and are
// then dropped with an alert; non-critical events drop the oldest entry.
type Queue struct {
	mu           sync.Mutex
	items        []queued
	capacity     int
	criticalWait time.Duration
	notify       chan struct{}
	logger       *zap.Logger
	obs          Observer
}

// NewQueue creates a bounded queue. capacity <= 0 selects the default.
func NewQueue(capacity int, criticalWait time.Duration, logger *zap.Logger, obs Observer) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if criticalWait <= 0 {
		criticalWait = DefaultCriticalWait
	}
	return &Queue{
		items:        make([]queued, 0, capacity),
		capacity:     capacity,
		criticalWait: criticalWait,
		notify:       make(chan struct{}, 1),
		logger:       logger,
		obs:          obs,
	}
}

// Enqueue applies the per-class overflow policy and never returns an
// error: audit failures are absorbed here, logged, and counted.
func (q *Queue) Enqueue(e *Event) {
	if q.tryPush(e) {
		return
	}

	if e.EventType.Critical() {
		// Bounded wait for the drainer to make room, then drop with alert.
		deadline := time.NewTimer(q.criticalWait)
		defer deadline.Stop()
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if q.tryPush(e) {
					return
				}
			case <-deadline.C:
				q.logger.Error("audit queue full, dropping critical event",
					zap.String("event_type", string(e.EventType)),
					zap.String("session_id", e.SessionID))
				if q.obs != nil {
					q.obs.Dropped(true)
				}
				return
			}
		}
	}

	// Non-critical: drop the oldest entry to admit the new one.
	q.mu.Lock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
	q.items = append(q.items, queued{event: e, enqueuedAt: time.Now()})
	depth := len(q.items)
	q.mu.Unlock()

	q.logger.Warn("audit queue full, dropped oldest non-critical event")
	if q.obs != nil {
		q.obs.Dropped(false)
		q.obs.QueueDepth(depth)
	}
	q.wake()
}

func (q *Queue) tryPush(e *Event) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, queued{event: e, enqueuedAt: time.Now()})
	depth := len(q.items)
	oldest := time.Since(q.items[0].enqueuedAt)
	q.mu.Unlock()

	if q.obs != nil {
		q.obs.QueueDepth(depth)
		q.obs.OldestAge(oldest)
	}
	q.wake()
	return true
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue pops the head, or nil when empty.
func (q *Queue) Dequeue() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	if q.obs != nil {
		q.obs.QueueDepth(len(q.items))
		if len(q.items) > 0 {
			q.obs.OldestAge(time.Since(q.items[0].enqueuedAt))
		} else {
			q.obs.OldestAge(0)
		}
	}
	return head.event
}

// Wait returns a channel that signals when new items may be available.
func (q *Queue) Wait() <-chan struct{} { return q.notify }

// Depth reports the current queue depth.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OldestAge reports the age of the head entry, zero when empty.
func (q *Queue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	return time.Since(q.items[0].enqueuedAt)
}
