package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/robolink/teleop/internal/circuitbreaker"
)

// Drainer delivers queued events to the ledger adapter in the background.
// Failures retry with exponential backoff; a run of consecutive failures
// opens the breaker, which parks the drainer until the probe window.
type Drainer struct {
	queue   *Queue
	adapter LedgerAdapter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
	onDelivered func()
}

// NewDrainer wires a drainer to a queue and adapter.
func NewDrainer(queue *Queue, adapter LedgerAdapter, logger *zap.Logger) *Drainer {
	return &Drainer{
		queue:   queue,
		adapter: adapter,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:                adapter.Name(),
			ConsecutiveFailures: 5,
			OpenTimeout:         15 * time.Second,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("ledger breaker state change",
					zap.String("adapter", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		logger:      logger,
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  10 * time.Second,
	}
}

// BreakerState exposes the breaker as an observable.
func (d *Drainer) BreakerState() circuitbreaker.State { return d.breaker.State() }

// SetDeliveredHook installs a callback fired after each successful
// submit. Set before Run.
func (d *Drainer) SetDeliveredHook(fn func()) { d.onDelivered = fn }

// Run drains until the context is cancelled. Call in its own goroutine.
func (d *Drainer) Run(ctx context.Context) {
	idle := time.NewTicker(time.Second)
	defer idle.Stop()

	for {
		e := d.queue.Dequeue()
		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.queue.Wait():
			case <-idle.C:
			}
			continue
		}
		d.deliver(ctx, e)
		if ctx.Err() != nil {
			return
		}
	}
}

// deliver retries one event until success or context cancellation. The
// event is already off the queue; losing it on shutdown is accepted, the
// ledger is never on the control path.
func (d *Drainer) deliver(ctx context.Context, e *Event) {
	backoff := d.baseBackoff
	for {
		gen, err := d.breaker.Allow()
		if err == nil {
			submitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = d.adapter.Submit(submitCtx, e)
			cancel()
			d.breaker.Record(gen, err == nil)
			if err == nil {
				if d.onDelivered != nil {
					d.onDelivered()
				}
				return
			}
			d.logger.Warn("ledger submit failed",
				zap.String("event_id", e.EventID),
				zap.String("event_type", string(e.EventType)),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
}
