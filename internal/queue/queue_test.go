package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*RedisQueue, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(client, Config{Prefix: "test", MaxAttempts: 3, BackoffBase: 5 * time.Second, StallTimeout: 10 * time.Minute})
	q.now = c.Now
	return q, c
}

type scrapePayload struct {
	SellerID string `json:"seller_id"`
}

func TestEnqueueDequeue_PriorityOrder(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scrape", scrapePayload{SellerID: "s1"}, EnqueueOptions{ID: "auto-1", Priority: 5})
	require.NoError(t, err)
	c.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, "scrape", scrapePayload{SellerID: "s2"}, EnqueueOptions{ID: "manual-1", Priority: 10})
	require.NoError(t, err)
	c.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, "scrape", scrapePayload{SellerID: "s3"}, EnqueueOptions{ID: "auto-2", Priority: 5})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, job.ID)
		assert.Equal(t, StateActive, job.State)
		assert.Equal(t, 1, job.Attempts)
		assert.NotNil(t, job.StartedAt)
	}
	assert.Equal(t, []string{"manual-1", "auto-1", "auto-2"}, order)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestEnqueue_GeneratesIDAndDecodes(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "scrape", scrapePayload{SellerID: "s9"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "scrape", job.Type)
	assert.Equal(t, 3, job.MaxAttempts)

	var p scrapePayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "s9", p.SellerID)
}

func TestEnqueue_IdempotentByID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "job-1"})
		require.NoError(t, err)
		assert.Equal(t, "job-1", id)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(1), counts.Total)
}

func TestFail_RetriesWithExponentialBackoff(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "j"})
	require.NoError(t, err)

	for attempt, backoff := range []time.Duration{5 * time.Second, 10 * time.Second} {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, attempt+1, job.Attempts)

		retry, err := q.Fail(ctx, job.ID, errors.New("connection refused"))
		require.NoError(t, err)
		assert.True(t, retry)

		got, err := q.Get(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, got.State)
		assert.Equal(t, "connection refused", got.Error)

		c.Advance(backoff - time.Second)
		n, err := q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "promoted before backoff elapsed")

		c.Advance(time.Second)
		n, err = q.PromoteDelayed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)

	retry, err := q.Fail(ctx, job.ID, errors.New("connection refused"))
	require.NoError(t, err)
	assert.False(t, retry)

	got, err := q.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.NotNil(t, got.FinishedAt)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Zero(t, counts.Delayed)
	assert.Zero(t, counts.Active)
}

func TestFail_PermanentSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "j"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	retry, err := q.Fail(ctx, job.ID, Permanent(errors.New("seller inactive")))
	require.NoError(t, err)
	assert.False(t, retry)

	got, err := q.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "seller inactive")
}

func TestBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Equal(t, 5*time.Second, q.Backoff(1))
	assert.Equal(t, 10*time.Second, q.Backoff(2))
	assert.Equal(t, 20*time.Second, q.Backoff(3))
	assert.Equal(t, 5*time.Second, q.Backoff(0))
}

func TestPauseResume(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "j"})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrNoJob)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.True(t, counts.Paused)
	assert.Equal(t, int64(1), counts.Waiting)

	require.NoError(t, q.Resume(ctx))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j", job.ID)
}

func TestRequeueStalled(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "stalled"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "alive"})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	c.Advance(9 * time.Minute)
	require.NoError(t, q.ExtendLease(ctx, "alive"))

	c.Advance(2 * time.Minute)
	n, err := q.RequeueStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stalled, err := q.Get(ctx, "stalled")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stalled.State)
	assert.Equal(t, 1, stalled.Attempts)

	alive, err := q.Get(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, StateActive, alive.State)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stalled", again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestRequeueStalled_ExhaustedAttempts(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		wantState   State
	}{
		{"attempts left goes back to waiting", 2, StateWaiting},
		{"last attempt goes to failed", 1, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, c := newTestQueue(t)
			ctx := context.Background()

			_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "j", MaxAttempts: tt.maxAttempts})
			require.NoError(t, err)
			_, err = q.Dequeue(ctx)
			require.NoError(t, err)

			c.Advance(11 * time.Minute)
			n, err := q.RequeueStalled(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			job, err := q.Get(ctx, "j")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, job.State)
			assert.Equal(t, 1, job.Attempts)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Zero(t, counts.Active)
			if tt.wantState == StateFailed {
				assert.Equal(t, int64(1), counts.Failed)
				assert.Zero(t, counts.Waiting)
				assert.Contains(t, job.Error, "stalled")
				require.NotNil(t, job.FinishedAt)
			} else {
				assert.Equal(t, int64(1), counts.Waiting)
			}
		})
	}
}

func TestRelease_RefundsAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "j"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, "j"))

	job, err := q.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Zero(t, job.Attempts)
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "waiting", Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: "active", Priority: 10})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, "waiting"))
	_, err = q.Get(ctx, "waiting")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, q.Remove(ctx, "active"), ErrJobActive)
	assert.ErrorIs(t, q.Remove(ctx, "missing"), ErrJobNotFound)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)
}

func TestClean_AgeAndKeepLimits(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	start := c.Now()

	complete := func(id string) {
		t.Helper()
		_, err := q.Enqueue(ctx, "scrape", scrapePayload{}, EnqueueOptions{ID: id})
		require.NoError(t, err)
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job.ID, map[string]int{"saved": 1}))
	}

	complete("a")
	c.Advance(time.Minute)
	complete("b")
	c.Advance(2 * time.Hour)
	complete("c")
	c.Advance(time.Minute)
	complete("d")
	c.Advance(time.Minute)
	complete("e")

	c.now = start.Add(25 * time.Hour)
	n, err := q.Clean(ctx, Retention{CompletedAge: 24 * time.Hour, CompletedKeep: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Get(ctx, id)
		assert.ErrorIs(t, err, ErrJobNotFound, id)
	}
	e, err := q.Get(ctx, "e")
	require.NoError(t, err)
	assert.JSONEq(t, `{"saved":1}`, string(e.Result))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)
}

func testPool(q *RedisQueue, concurrency int) *Pool {
	return NewPool(q, PoolConfig{
		Concurrency:   concurrency,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
		Retention:     DefaultRetention(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type recordingObserver struct {
	mu     sync.Mutex
	states map[State]int
}

func (o *recordingObserver) JobFinished(_ string, s State, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[s]++
}

func TestPool_ProcessesJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	q.now = time.Now
	ctx := context.Background()

	for _, id := range []string{"ok-1", "ok-2", "ok-3"} {
		_, err := q.Enqueue(ctx, "ok", scrapePayload{SellerID: id}, EnqueueOptions{ID: id})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, "boom", nil, EnqueueOptions{ID: "boom"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "panic", nil, EnqueueOptions{ID: "panic", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "unregistered", nil, EnqueueOptions{ID: "orphan"})
	require.NoError(t, err)

	pool := testPool(q, 2)
	observer := &recordingObserver{states: map[State]int{}}
	pool.SetObserver(observer)

	pool.Handle("ok", func(_ context.Context, job *Job) (any, error) {
		var p scrapePayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]string{"seller": p.SellerID}, nil
	})
	pool.Handle("boom", func(context.Context, *Job) (any, error) {
		return nil, Permanent(errors.New("no scraping sources"))
	})
	pool.Handle("panic", func(context.Context, *Job) (any, error) {
		panic("nil map")
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c.Completed == 3 && c.Failed == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	ok, err := q.Get(ctx, "ok-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"seller":"ok-2"}`, string(ok.Result))

	panicked, err := q.Get(ctx, "panic")
	require.NoError(t, err)
	assert.Contains(t, panicked.Error, "worker panic: nil map")

	orphan, err := q.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Contains(t, orphan.Error, "no handler")

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, 3, observer.states[StateCompleted])
	assert.Equal(t, 3, observer.states[StateFailed])
}

func TestPool_ReleasesJobOnShutdown(t *testing.T) {
	q, _ := newTestQueue(t)
	q.now = time.Now
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "slow", nil, EnqueueOptions{ID: "slow"})
	require.NoError(t, err)

	started := make(chan struct{})
	pool := testPool(q, 1)
	pool.Handle("slow", func(ctx context.Context, _ *Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	job, err := q.Get(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Zero(t, job.Attempts)
}
