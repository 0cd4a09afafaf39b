package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blockedby/wa-relay/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDestinations records every resolve and post.
type fakeDestinations struct {
	mu         sync.Mutex
	resolves   int
	resolveErr error
	postErrs   []error // consumed in order, nil once exhausted
	posts      []postedPayload
	panicPost  bool
	onPost     func()
}

type postedPayload struct {
	channelID string
	payload   Payload
	at        time.Time
}

type fakeDestination struct {
	id    string
	owner *fakeDestinations
}

func (f *fakeDestinations) Resolve(_ context.Context, channelID string) (Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &fakeDestination{id: channelID, owner: f}, nil
}

func (d *fakeDestination) Post(_ context.Context, p Payload) error {
	f := d.owner
	f.mu.Lock()
	if f.panicPost {
		f.mu.Unlock()
		panic("gateway exploded")
	}
	f.posts = append(f.posts, postedPayload{channelID: d.id, payload: p, at: time.Now()})
	var err error
	if len(f.postErrs) > 0 {
		err, f.postErrs = f.postErrs[0], f.postErrs[1:]
	}
	hook := f.onPost
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeDestinations) calls() (resolves, posts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves, len(f.posts)
}

func (f *fakeDestinations) posted() []postedPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedPayload(nil), f.posts...)
}

type hookRecorder struct {
	mu      sync.Mutex
	results []DeliveryResult
}

func (h *hookRecorder) hook(_ context.Context, res DeliveryResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, res)
}

func (h *hookRecorder) all() []DeliveryResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]DeliveryResult(nil), h.results...)
}

func TestSink_NoDestinationMakesNoCalls(t *testing.T) {
	dests := &fakeDestinations{}
	rec := &hookRecorder{}
	s := NewSink(dests, logger.Nop(), WithHooks(rec.hook), WithDebugDrops(true))

	s.Deliver(context.Background(), "", Payload{Description: "hola"})
	s.Deliver(context.Background(), "   ", Payload{Description: "hola"})

	resolves, posts := dests.calls()
	assert.Zero(t, resolves)
	assert.Zero(t, posts)
	assert.Empty(t, rec.all())
}

func TestSink_ResolveFailureIsSilent(t *testing.T) {
	dests := &fakeDestinations{resolveErr: errors.New("unknown channel")}
	rec := &hookRecorder{}
	s := NewSink(dests, logger.Nop(), WithHooks(rec.hook))

	assert.NotPanics(t, func() {
		s.Deliver(context.Background(), "42", Payload{})
	})
	resolves, posts := dests.calls()
	assert.Equal(t, 1, resolves)
	assert.Zero(t, posts)
	assert.Empty(t, rec.all())
}

func TestSink_ResolvesFreshEachCall(t *testing.T) {
	dests := &fakeDestinations{}
	s := NewSink(dests, logger.Nop())

	s.Deliver(context.Background(), "42", Payload{})
	s.Deliver(context.Background(), "42", Payload{})

	resolves, posts := dests.calls()
	assert.Equal(t, 2, resolves)
	assert.Equal(t, 2, posts)
}

func TestSink_PostFailureReportedToHooksOnly(t *testing.T) {
	dests := &fakeDestinations{postErrs: []error{errors.New("missing access")}}
	rec := &hookRecorder{}
	s := NewSink(dests, logger.Nop(), WithHooks(rec.hook))

	s.Deliver(context.Background(), "42", Payload{MessageID: "m1", ChatID: "333@g.us"})
	s.Deliver(context.Background(), "42", Payload{MessageID: "m2", Historical: true})

	results := rec.all()
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.Equal(t, "m1", results[0].MessageID)
	assert.Equal(t, "333@g.us", results[0].ChatID)
	assert.NoError(t, results[1].Err)
	assert.True(t, results[1].Historical)
	assert.NotEqual(t, results[0].ID, results[1].ID)
}

func TestSink_PanicsStayInside(t *testing.T) {
	dests := &fakeDestinations{panicPost: true}
	panicky := func(context.Context, DeliveryResult) { panic("hook") }
	s := NewSink(dests, logger.Nop(), WithHooks(panicky))

	assert.NotPanics(t, func() {
		s.Deliver(context.Background(), "42", Payload{})
	})
}

func TestQueue_DeliversInOrderWithSpacing(t *testing.T) {
	dests := &fakeDestinations{}
	q := NewQueue(NewSink(dests, logger.Nop()), 40*time.Millisecond, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(ctx, "42", Payload{MessageID: id}))
	}

	require.Eventually(t, func() bool {
		_, posts := dests.calls()
		return posts == 3
	}, 2*time.Second, 5*time.Millisecond)

	posted := dests.posted()
	assert.Equal(t, "a", posted[0].payload.MessageID)
	assert.Equal(t, "b", posted[1].payload.MessageID)
	assert.Equal(t, "c", posted[2].payload.MessageID)
	for i := 1; i < len(posted); i++ {
		assert.GreaterOrEqual(t, posted[i].at.Sub(posted[i-1].at), 30*time.Millisecond)
	}

	cancel()
	q.Wait()
}

func TestQueue_EmptyDestinationIsDropped(t *testing.T) {
	dests := &fakeDestinations{}
	q := NewQueue(NewSink(dests, logger.Nop()), time.Millisecond, logger.Nop())

	assert.True(t, q.Enqueue(context.Background(), "", Payload{}))
	assert.Zero(t, q.Len())
}

func TestQueue_RetriesOnceAfterRateLimit(t *testing.T) {
	dests := &fakeDestinations{postErrs: []error{&RetryAfterError{After: 20 * time.Millisecond, Err: errors.New("429")}}}
	rec := &hookRecorder{}
	q := NewQueue(NewSink(dests, logger.Nop(), WithHooks(rec.hook)), time.Millisecond, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.True(t, q.Enqueue(ctx, "42", Payload{MessageID: "m1"}))

	require.Eventually(t, func() bool { return len(dests.posted()) == 2 }, 2*time.Second, 5*time.Millisecond)
	posted := dests.posted()
	assert.GreaterOrEqual(t, posted[1].at.Sub(posted[0].at), 15*time.Millisecond)

	// the rate-limited attempt is retried, so only the final outcome is reported
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, rec.all()[0].Err)
	assert.Equal(t, "m1", rec.all()[0].MessageID)
}

func TestQueue_ReportsFailureAfterLastRetry(t *testing.T) {
	limited := func() error { return &RetryAfterError{After: 5 * time.Millisecond, Err: errors.New("429")} }
	dests := &fakeDestinations{postErrs: []error{limited(), limited()}}
	rec := &hookRecorder{}
	q := NewQueue(NewSink(dests, logger.Nop(), WithHooks(rec.hook)), time.Millisecond, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.True(t, q.Enqueue(ctx, "42", Payload{MessageID: "m1"}))

	require.Eventually(t, func() bool { return len(dests.posted()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Error(t, rec.all()[0].Err)
}

func TestSink_DeliverReportsRateLimit(t *testing.T) {
	dests := &fakeDestinations{postErrs: []error{&RetryAfterError{After: time.Second, Err: errors.New("429")}}}
	rec := &hookRecorder{}
	NewSink(dests, logger.Nop(), WithHooks(rec.hook)).Deliver(context.Background(), "42", Payload{MessageID: "m1"})

	require.Len(t, rec.all(), 1)
	assert.Error(t, rec.all()[0].Err)
}

func TestQueue_EnqueueHonoursContext(t *testing.T) {
	q := NewQueue(NewSink(&fakeDestinations{}, logger.Nop()), time.Millisecond, logger.Nop())
	for i := 0; i < defaultQueueSize; i++ {
		require.True(t, q.Enqueue(context.Background(), "42", Payload{}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, q.Enqueue(ctx, "42", Payload{}))
}
