// Package queue is a durable Redis job queue with priorities, retries with
// exponential backoff, stalled-job recovery and bounded retention.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNoJob       = errors.New("no job available")
	ErrJobNotFound = errors.New("job not found")
	ErrJobActive   = errors.New("job is being processed")
	ErrPermanent   = errors.New("permanent failure")
)

// Permanent marks err so the job fails immediately instead of being retried.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	maxPriority   = 100
	priorityScale = 1e13
)

type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	State       State           `json:"state"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

type EnqueueOptions struct {
	// ID makes enqueueing idempotent: a second enqueue with the same ID is a no-op.
	ID          string
	Priority    int
	MaxAttempts int
	Delay       time.Duration
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
	Paused    bool  `json:"paused"`
}

// Retention bounds how many finished jobs are kept and for how long.
type Retention struct {
	CompletedAge  time.Duration
	CompletedKeep int64
	FailedAge     time.Duration
	FailedKeep    int64
}

func DefaultRetention() Retention {
	return Retention{
		CompletedAge:  24 * time.Hour,
		CompletedKeep: 100,
		FailedAge:     7 * 24 * time.Hour,
		FailedKeep:    500,
	}
}

type Config struct {
	Prefix       string
	MaxAttempts  int
	BackoffBase  time.Duration
	StallTimeout time.Duration
}

type RedisQueue struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

func New(client *redis.Client, cfg Config) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "seedscraper"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Minute
	}
	return &RedisQueue{client: client, cfg: cfg, now: time.Now}
}

func (q *RedisQueue) key(name string) string { return q.cfg.Prefix + ":" + name }

func (q *RedisQueue) jobKey(id string) string { return q.cfg.Prefix + ":job:" + id }

func (q *RedisQueue) stateKey(s State) string { return q.key(string(s)) }

func (q *RedisQueue) pausedKey() string { return q.key("paused") }

func (q *RedisQueue) StallTimeout() time.Duration { return q.cfg.StallTimeout }

// waitingScore orders by priority first, then enqueue time.
func waitingScore(priority int, at time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return float64(maxPriority-priority)*priorityScale + float64(at.UnixMilli())
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, data any, opts EnqueueOptions) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	now := q.now()
	state := StateWaiting
	score := waitingScore(opts.Priority, now)
	if opts.Delay > 0 {
		state = StateDelayed
		score = float64(now.Add(opts.Delay).UnixMilli())
	}

	created, err := q.client.HSetNX(ctx, q.jobKey(id), "type", jobType).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if !created {
		return id, nil
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id),
			"data", string(payload),
			"priority", opts.Priority,
			"attempts", 0,
			"max_attempts", maxAttempts,
			"state", string(state),
			"enqueued_at", millis(now),
		)
		pipe.ZAdd(ctx, q.stateKey(state), redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return id, nil
}

// dequeueScript moves the best waiting job to the active set with a lease
// deadline. It returns nil when the queue is paused or empty.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return false end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
local id = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], id)
local key = ARGV[3] .. id
redis.call('HSET', key, 'state', 'active', 'started_at', ARGV[2])
redis.call('HINCRBY', key, 'attempts', 1)
return id
`)

// Dequeue claims the next job. It returns ErrNoJob when nothing is waiting
// or the queue is paused.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	id, err := dequeueScript.Run(ctx, q.client,
		[]string{q.stateKey(StateWaiting), q.stateKey(StateActive), q.pausedKey()},
		now.Add(q.cfg.StallTimeout).UnixMilli(), millis(now), q.jobKey(""),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Removed between scheduling and claim.
		q.client.ZRem(ctx, q.stateKey(StateActive), id)
		return nil, ErrNoJob
	}
	return job, err
}

// ExtendLease pushes the stall deadline of an active job forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string) error {
	deadline := float64(q.now().Add(q.cfg.StallTimeout).UnixMilli())
	return q.client.ZAddXX(ctx, q.stateKey(StateActive), redis.Z{Score: deadline, Member: id}).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, id string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	now := q.now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.stateKey(StateActive), id)
		pipe.ZAdd(ctx, q.stateKey(StateCompleted), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		pipe.HSet(ctx, q.jobKey(id),
			"state", string(StateCompleted),
			"finished_at", millis(now),
			"result", string(payload),
			"error", "",
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The job is retried after an exponential
// backoff unless cause is permanent or attempts are exhausted. It reports
// whether the job will be retried.
func (q *RedisQueue) Fail(ctx context.Context, id string, cause error) (bool, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}

	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	retry := !errors.Is(cause, ErrPermanent) && job.Attempts < job.MaxAttempts
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.stateKey(StateActive), id)
		if retry {
			readyAt := now.Add(q.Backoff(job.Attempts))
			pipe.ZAdd(ctx, q.stateKey(StateDelayed), redis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
			pipe.HSet(ctx, q.jobKey(id), "state", string(StateDelayed), "error", msg)
			return nil
		}
		pipe.ZAdd(ctx, q.stateKey(StateFailed), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateFailed), "error", msg, "finished_at", millis(now))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	return retry, nil
}

// Backoff is base * 2^(attempt-1).
func (q *RedisQueue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.BackoffBase * time.Duration(math.Pow(2, float64(attempt-1)))
}

// Release puts an active job back in front of the waiting set without
// consuming an attempt, e.g. when the worker shuts down mid-job.
func (q *RedisQueue) Release(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return q.moveToWaiting(ctx, StateActive, id, job.Priority, job.EnqueuedAt, true)
}

func (q *RedisQueue) moveToWaiting(ctx context.Context, from State, id string, priority int, at time.Time, refund bool) error {
	removed, err := q.client.ZRem(ctx, q.stateKey(from), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.stateKey(StateWaiting), redis.Z{Score: waitingScore(priority, at), Member: id})
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		if refund {
			pipe.HIncrBy(ctx, q.jobKey(id), "attempts", -1)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) moveToFailed(ctx context.Context, from State, id, msg string) error {
	removed, err := q.client.ZRem(ctx, q.stateKey(from), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	now := q.now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.stateKey(StateFailed), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateFailed), "error", msg, "finished_at", millis(now))
		return nil
	})
	return err
}

// PromoteDelayed moves delayed jobs whose backoff has elapsed to waiting.
func (q *RedisQueue) PromoteDelayed(ctx context.Context) (int, error) {
	return q.sweep(ctx, StateDelayed)
}

// RequeueStalled returns active jobs whose lease expired to waiting. The
// attempt they were on still counts, so a job that stalled on its last
// attempt goes to the failed set instead.
func (q *RedisQueue) RequeueStalled(ctx context.Context) (int, error) {
	return q.sweep(ctx, StateActive)
}

func (q *RedisQueue) sweep(ctx context.Context, from State) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.stateKey(from), &redis.ZRangeBy{
		Min: "-inf",
		Max: millis(q.now()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan %s jobs: %w", from, err)
	}

	moved := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.client.ZRem(ctx, q.stateKey(from), id)
			continue
		}
		if err != nil {
			return moved, err
		}
		if from == StateActive && job.Attempts >= job.MaxAttempts {
			msg := fmt.Sprintf("job stalled on attempt %d of %d", job.Attempts, job.MaxAttempts)
			if err := q.moveToFailed(ctx, from, id, msg); err != nil {
				return moved, fmt.Errorf("fail stalled %s: %w", id, err)
			}
			moved++
			continue
		}
		if err := q.moveToWaiting(ctx, from, id, job.Priority, q.now(), false); err != nil {
			return moved, fmt.Errorf("requeue %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 || fields["state"] == "" {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return parseJob(id, fields), nil
}

func parseJob(id string, f map[string]string) *Job {
	job := &Job{
		ID:    id,
		Type:  f["type"],
		Data:  json.RawMessage(f["data"]),
		State: State(f["state"]),
		Error: f["error"],
	}
	job.Priority, _ = strconv.Atoi(f["priority"])
	job.Attempts, _ = strconv.Atoi(f["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	if r := f["result"]; r != "" {
		job.Result = json.RawMessage(r)
	}
	job.EnqueuedAt = parseMillis(f["enqueued_at"])
	if v := f["started_at"]; v != "" {
		t := parseMillis(v)
		job.StartedAt = &t
	}
	if v := f["finished_at"]; v != "" {
		t := parseMillis(v)
		job.FinishedAt = &t
	}
	return job
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Remove deletes a job that is not currently being processed.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State == StateActive {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range []State{StateWaiting, StateDelayed, StateCompleted, StateFailed} {
			pipe.ZRem(ctx, q.stateKey(s), id)
		}
		pipe.Del(ctx, q.jobKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	var cmds [5]*redis.IntCmd
	states := [5]State{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed}
	var paused *redis.IntCmd

	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, s := range states {
			cmds[i] = pipe.ZCard(ctx, q.stateKey(s))
		}
		paused = pipe.Exists(ctx, q.pausedKey())
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}

	c := Counts{
		Waiting:   cmds[0].Val(),
		Active:    cmds[1].Val(),
		Completed: cmds[2].Val(),
		Failed:    cmds[3].Val(),
		Delayed:   cmds[4].Val(),
		Paused:    paused.Val() == 1,
	}
	c.Total = c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed
	return c, nil
}

// Pause stops Dequeue from handing out jobs. Active jobs run to completion.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// Clean drops finished jobs older than their retention age, then trims each
// finished set to its keep limit, oldest first.
func (q *RedisQueue) Clean(ctx context.Context, r Retention) (int, error) {
	total := 0
	for _, rule := range []struct {
		state State
		age   time.Duration
		keep  int64
	}{
		{StateCompleted, r.CompletedAge, r.CompletedKeep},
		{StateFailed, r.FailedAge, r.FailedKeep},
	} {
		key := q.stateKey(rule.state)

		var stale []string
		if rule.age > 0 {
			ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min: "-inf",
				Max: millis(q.now().Add(-rule.age)),
			}).Result()
			if err != nil {
				return total, fmt.Errorf("clean %s: %w", rule.state, err)
			}
			stale = append(stale, ids...)
		}

		if rule.keep > 0 {
			count, err := q.client.ZCard(ctx, key).Result()
			if err != nil {
				return total, fmt.Errorf("clean %s: %w", rule.state, err)
			}
			if excess := count - rule.keep; excess > 0 {
				ids, err := q.client.ZRange(ctx, key, 0, excess-1).Result()
				if err != nil {
					return total, fmt.Errorf("clean %s: %w", rule.state, err)
				}
				stale = append(stale, ids...)
			}
		}

		n, err := q.drop(ctx, key, stale)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (q *RedisQueue) drop(ctx context.Context, key string, ids []string) (int, error) {
	seen := make(map[string]struct{}, len(ids))
	dropped := 0
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, key, id)
			pipe.Del(ctx, q.jobKey(id))
			return nil
		})
		if err != nil {
			return dropped, fmt.Errorf("drop job %s: %w", id, err)
		}
		dropped++
	}
	return dropped, nil
}

// Ping checks connectivity for health reporting.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
