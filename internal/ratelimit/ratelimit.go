package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// JitteredDelay picks a delay uniformly from [min, max).
func JitteredDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Pacer spaces out requests to a single host. Wait enforces the
// requests-per-minute ceiling before a fetch; Delay is the fixed pause
// taken after every fetch regardless of its outcome.
type Pacer struct {
	limiter *rate.Limiter
	delay   time.Duration
	sleep   Sleeper
}

type Option func(*Pacer)

func WithSleeper(s Sleeper) Option {
	return func(p *Pacer) { p.sleep = s }
}

func NewPacer(delay time.Duration, requestsPerMinute int, opts ...Option) *Pacer {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	p := &Pacer{
		limiter: rate.NewLimiter(limit, 1),
		delay:   delay,
		sleep:   Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *Pacer) Delay(ctx context.Context) error {
	return p.sleep(ctx, p.delay)
}

// Backoff sleeps for an explicit duration, e.g. after a 429.
func (p *Pacer) Backoff(ctx context.Context, d time.Duration) error {
	return p.sleep(ctx, d)
}

func (p *Pacer) DelayDuration() time.Duration {
	return p.delay
}

// JobLimiter caps how many jobs a queue hands out per minute across all
// workers of one process.
type JobLimiter struct {
	limiter *rate.Limiter
}

func NewJobLimiter(jobsPerMinute int) *JobLimiter {
	if jobsPerMinute <= 0 {
		return &JobLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &JobLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(jobsPerMinute)), jobsPerMinute),
	}
}

func (j *JobLimiter) Wait(ctx context.Context) error {
	return j.limiter.Wait(ctx)
}
