package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blockedby/wa-relay/internal/logger"
)

// DefaultDeliveryInterval spaces consecutive posts.
const DefaultDeliveryInterval = 250 * time.Millisecond

const defaultQueueSize = 256

type queued struct {
	channelID string
	payload   Payload
}

// Queue is a FIFO in front of the Sink drained by a single worker, one
// item per interval. Posts leave in enqueue order.
type Queue struct {
	sink    *Sink
	limiter *Limiter
	items   chan queued
	log     *logger.Logger

	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewQueue creates a queue; call Start to begin draining.
func NewQueue(sink *Sink, interval time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		sink:    sink,
		limiter: NewLimiter(interval),
		items:   make(chan queued, defaultQueueSize),
		log:     log,
	}
}

// Start launches the worker. It stops when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(1)
	go q.run(ctx)
}

// Wait blocks until the worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue schedules p for delivery. Payloads without a destination are
// dropped immediately. Returns false when ctx ended before the item was queued.
func (q *Queue) Enqueue(ctx context.Context, channelID string, p Payload) bool {
	if strings.TrimSpace(channelID) == "" {
		q.sink.dropped(p, "no destination configured")
		return true
	}

	select {
	case q.items <- queued{channelID: channelID, payload: p}:
		return true
	case <-ctx.Done():
		q.log.Warn().Str("message_id", p.MessageID).Msg("queue: enqueue cancelled")
		return false
	}
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	q.log.Debug().Msg("queue: worker started")

	for {
		select {
		case <-ctx.Done():
			if n := len(q.items); n > 0 {
				q.log.Warn().Int("pending", n).Msg("queue: stopping with undelivered items")
			}
			return
		case it := <-q.items:
			if !q.deliver(ctx, it) {
				return
			}
		}
	}
}

// deliver posts one item, retrying once after a rate-limit pause.
// Returns false when ctx ended.
func (q *Queue) deliver(ctx context.Context, it queued) bool {
	const attempts = 2
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := q.limiter.Wait(ctx); err != nil {
			return false
		}
		err := q.sink.deliver(ctx, it.channelID, it.payload, attempt == attempts)
		d, limited := retryAfter(err)
		if !limited {
			return true
		}
		q.log.Warn().Dur("retry_after", d).Str("message_id", it.payload.MessageID).Msg("queue: destination rate limited")
		q.limiter.Pause(d)
	}
	return true
}
