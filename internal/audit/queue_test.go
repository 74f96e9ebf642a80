package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/circuitbreaker"
)

// nonCriticalType exercises the reserved drop-oldest class.
const nonCriticalType EventType = "DEBUG_TRACE"

type countingObserver struct {
	mu               sync.Mutex
	criticalDrops    int
	nonCriticalDrops int
}

func (o *countingObserver) QueueDepth(int)          {}
func (o *countingObserver) OldestAge(time.Duration) {}
func (o *countingObserver) Dropped(critical bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if critical {
		o.criticalDrops++
	} else {
		o.nonCriticalDrops++
	}
}

func (o *countingObserver) drops() (critical, nonCritical int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.criticalDrops, o.nonCriticalDrops
}

func event(t EventType, sid string) *Event {
	return NewEvent(t, "r1", "did:key:abc", sid, nil)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(8, 0, zap.NewNop(), nil)

	q.Enqueue(event(EventSessionRequested, "a"))
	q.Enqueue(event(EventSessionGranted, "b"))

	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, EventSessionRequested, q.Dequeue().EventType)
	assert.Equal(t, EventSessionGranted, q.Dequeue().EventType)
	assert.Nil(t, q.Dequeue())
}

func TestQueue_CriticalWaitsForRoom(t *testing.T) {
	obs := &countingObserver{}
	q := NewQueue(1, 200*time.Millisecond, zap.NewNop(), obs)
	q.Enqueue(event(EventSessionGranted, "first"))

	// Free the slot while the producer is in its bounded wait.
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Dequeue()
	}()

	q.Enqueue(event(EventSessionRevoked, "second"))

	require.Equal(t, 1, q.Depth())
	assert.Equal(t, "second", q.Dequeue().SessionID)
	critical, _ := obs.drops()
	assert.Zero(t, critical)
}

func TestQueue_CriticalDroppedAfterBoundedWait(t *testing.T) {
	obs := &countingObserver{}
	q := NewQueue(1, 30*time.Millisecond, zap.NewNop(), obs)
	q.Enqueue(event(EventSessionGranted, "occupied"))

	start := time.Now()
	q.Enqueue(event(EventSessionRevoked, "dropped"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond, "wait must be bounded")
	assert.Equal(t, 1, q.Depth())
	critical, _ := obs.drops()
	assert.Equal(t, 1, critical)
}

func TestQueue_NonCriticalDropsOldest(t *testing.T) {
	obs := &countingObserver{}
	q := NewQueue(2, 0, zap.NewNop(), obs)

	q.Enqueue(event(nonCriticalType, "a"))
	q.Enqueue(event(nonCriticalType, "b"))
	q.Enqueue(event(nonCriticalType, "c"))

	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, "b", q.Dequeue().SessionID)
	assert.Equal(t, "c", q.Dequeue().SessionID)
	_, nonCritical := obs.drops()
	assert.Equal(t, 1, nonCritical)
}

func TestNewEvent_TruncatesOversizedMetadata(t *testing.T) {
	huge := map[string]string{"blob": strings.Repeat("x", 5*1024)}
	e := NewEvent(EventSessionGranted, "r1", "", "s1", huge)

	assert.Contains(t, e.Metadata, "truncated")
	assert.NotContains(t, e.Metadata, "blob")
	assert.Equal(t, SchemaVersion, e.SchemaVersion)
	assert.NotEmpty(t, e.EventID)
}

// flakyAdapter fails the first n submits, then succeeds.
type flakyAdapter struct {
	mu        sync.Mutex
	failures  int
	delivered []*Event
}

func (a *flakyAdapter) Name() string { return "flaky" }

func (a *flakyAdapter) Submit(ctx context.Context, e *Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		return errors.New("ledger unavailable")
	}
	a.delivered = append(a.delivered, e)
	return nil
}

func (a *flakyAdapter) deliveredCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.delivered)
}

func TestDrainer_DeliversInOrder(t *testing.T) {
	q := NewQueue(8, 0, zap.NewNop(), nil)
	adapter := &flakyAdapter{}
	d := NewDrainer(q, adapter, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	q.Enqueue(event(EventSessionRequested, "s1"))
	q.Enqueue(event(EventSessionGranted, "s1"))

	require.Eventually(t, func() bool {
		return adapter.deliveredCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, EventSessionRequested, adapter.delivered[0].EventType)
	assert.Equal(t, EventSessionGranted, adapter.delivered[1].EventType)
	assert.Equal(t, circuitbreaker.StateClosed, d.BreakerState())
}

func TestDrainer_RetriesThroughFailures(t *testing.T) {
	q := NewQueue(8, 0, zap.NewNop(), nil)
	adapter := &flakyAdapter{failures: 2}
	d := NewDrainer(q, adapter, zap.NewNop())
	d.baseBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	q.Enqueue(event(EventSessionRevoked, "s1"))

	require.Eventually(t, func() bool {
		return adapter.deliveredCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{
		Name:                "test",
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Hour,
	})

	for i := 0; i < 3; i++ {
		gen, err := b.Allow()
		require.NoError(t, err)
		b.Record(gen, false)
	}
	assert.Equal(t, circuitbreaker.StateOpen, b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{
		Name:                "test",
		ConsecutiveFailures: 1,
		OpenTimeout:         10 * time.Millisecond,
	})

	gen, err := b.Allow()
	require.NoError(t, err)
	b.Record(gen, false)
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, circuitbreaker.StateHalfOpen, b.State())

	gen, err = b.Allow()
	require.NoError(t, err)
	b.Record(gen, true)
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}
