package pricealert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/maltedev/seed-scraper/internal/events"
	"github.com/maltedev/seed-scraper/internal/queue"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, data any, opts queue.EnqueueOptions) (string, error)
}

// Recorder counts the alerts fanned out; the metrics package implements it.
type Recorder interface {
	AlertsEnqueued(n int)
}

type noopRecorder struct{}

func (noopRecorder) AlertsEnqueued(int) {}

// DetectResult is stored as the detect job result.
type DetectResult struct {
	SellerID string   `json:"seller_id"`
	Changes  int      `json:"changes"`
	Users    []string `json:"users"`
}

// Processor exposes the detect and notify steps as queue handlers.
type Processor struct {
	detector *Detector
	notifier *Notifier
	queue    Enqueuer
	prices   PriceStore
	recorder Recorder
	logger   *slog.Logger
}

func NewProcessor(detector *Detector, notifier *Notifier, q Enqueuer, prices PriceStore, logger *slog.Logger) *Processor {
	return &Processor{
		detector: detector,
		notifier: notifier,
		queue:    q,
		prices:   prices,
		recorder: noopRecorder{},
		logger:   logger.With("component", "price_alert_processor"),
	}
}

func (p *Processor) SetRecorder(r Recorder) {
	p.recorder = r
}

// Register installs both handlers on pool.
func (p *Processor) Register(pool *queue.Pool) {
	pool.Handle(JobTypeDetect, p.HandleDetect)
	pool.Handle(JobTypeNotify, p.HandleNotify)
}

// HandleDetect finds price drops and enqueues one notify job per user that
// tracks an affected product. Finding nothing is a successful no-op.
func (p *Processor) HandleDetect(ctx context.Context, job *queue.Job) (any, error) {
	var payload DetectPayload
	if err := job.Decode(&payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode detect payload: %w", err))
	}
	logger := p.logger.With("job_id", job.ID, "seller_id", payload.SellerID)

	changes, err := p.detector.Detect(ctx, payload)
	if err != nil {
		return nil, err
	}
	result := &DetectResult{SellerID: payload.SellerID, Changes: len(changes), Users: []string{}}
	if len(changes) == 0 {
		logger.Info("no significant price changes", "products", len(payload.Products))
		return result, nil
	}

	recipients, err := p.prices.AlertRecipients(ctx, productIDs(changes))
	if err != nil {
		return nil, fmt.Errorf("failed to load alert recipients: %w", err)
	}
	byUser := Partition(changes, recipients)

	for _, r := range recipients {
		userChanges, ok := byUser[r.UserID]
		if !ok {
			continue
		}
		notify := NotifyPayload{
			DetectJobID: job.ID,
			UserID:      r.UserID,
			Email:       r.Email,
			Name:        r.Name,
			Changes:     userChanges,
		}
		if _, err := p.queue.Enqueue(ctx, JobTypeNotify, notify, queue.EnqueueOptions{ID: NotifyJobID(job.ID, r.UserID)}); err != nil {
			return nil, fmt.Errorf("failed to enqueue alert for user %s: %w", r.UserID, err)
		}
		result.Users = append(result.Users, r.UserID)
	}
	sort.Strings(result.Users)
	p.recorder.AlertsEnqueued(len(result.Users))

	logger.Info("price changes detected", "changes", len(changes), "users", len(result.Users))
	return result, nil
}

func (p *Processor) HandleNotify(ctx context.Context, job *queue.Job) (any, error) {
	var payload NotifyPayload
	if err := job.Decode(&payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode notify payload: %w", err))
	}
	if err := p.notifier.Notify(ctx, payload); err != nil {
		if errors.Is(err, errNoChanges) || errors.Is(err, events.ErrNoRecipient) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	return map[string]any{"user_id": payload.UserID, "changes": len(payload.Changes)}, nil
}
