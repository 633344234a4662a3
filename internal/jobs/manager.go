// Package jobs owns the scrape job lifecycle: accepting requests, running
// them on the worker pool and recording every status change.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/seed-scraper/internal/database"
	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/queue"
)

const JobTypeScrape = "scrape"

const (
	PriorityHigh   = 10
	PriorityNormal = 5
)

var (
	ErrInvalidRequest = errors.New("invalid scrape request")
	ErrSellerNotFound = errors.New("seller not found")
	ErrSellerInactive = errors.New("seller is inactive")
	ErrNoSources      = errors.New("seller has no scraping sources")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobFinished    = errors.New("job already finished")
)

// JobStore is the persisted record of each job's lifecycle.
type JobStore interface {
	Create(ctx context.Context, job *models.ScrapeJob) error
	Get(ctx context.Context, id string) (*models.ScrapeJob, error)
	List(ctx context.Context, f database.JobFilter) ([]models.ScrapeJob, error)
	Status(ctx context.Context, id string) (models.JobStatus, error)
	MarkWaiting(ctx context.Context, id string) error
	MarkActive(ctx context.Context, id string, attempt int, at time.Time) error
	MarkDelayed(ctx context.Context, id, message string, details json.RawMessage) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	Finish(ctx context.Context, id string, o database.JobOutcome) error
	Cancel(ctx context.Context, id string) error
}

// Catalog looks up seller configuration and persists scraped products.
type Catalog interface {
	GetSeller(ctx context.Context, id string) (*models.Seller, error)
	SaveProducts(ctx context.Context, sellerID string, products []models.CrawledProduct) (database.SaveResult, error)
}

// Enqueuer is the producer side of a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, data any, opts queue.EnqueueOptions) (string, error)
}

// Queue is what the manager needs from the scrape queue.
type Queue interface {
	Enqueuer
	Get(ctx context.Context, id string) (*queue.Job, error)
	Remove(ctx context.Context, id string) error
	Counts(ctx context.Context) (queue.Counts, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Request asks for one seller's catalog to be scraped.
type Request struct {
	SellerID      string      `json:"seller_id"`
	Mode          models.Mode `json:"mode"`
	StartPage     int         `json:"start_page,omitempty"`
	EndPage       int         `json:"end_page,omitempty"`
	FullSiteCrawl bool        `json:"full_site_crawl,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

func (r Request) Validate() error {
	if r.SellerID == "" {
		return fmt.Errorf("%w: seller_id is required", ErrInvalidRequest)
	}
	if !r.Mode.IsValid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	if r.Mode == models.ModeTest {
		if r.StartPage < 1 || r.EndPage < r.StartPage {
			return fmt.Errorf("%w: test mode needs 1 <= start_page <= end_page, got %d..%d",
				ErrInvalidRequest, r.StartPage, r.EndPage)
		}
	}
	return nil
}

// Priority puts operator-triggered work ahead of scheduled work.
func (r Request) Priority() int {
	if r.Mode == models.ModeManual || r.Mode == models.ModeTest {
		return PriorityHigh
	}
	return PriorityNormal
}

// ScrapePayload is the queue payload of a scrape job.
type ScrapePayload struct {
	JobID         string      `json:"job_id"`
	CorrelationID string      `json:"correlation_id"`
	SellerID      string      `json:"seller_id"`
	Mode          models.Mode `json:"mode"`
	StartPage     int         `json:"start_page,omitempty"`
	EndPage       int         `json:"end_page,omitempty"`
	FullSiteCrawl bool        `json:"full_site_crawl,omitempty"`
}

type CancelOutcome string

const (
	// CancelRemoved means the job never started and is gone from the queue.
	CancelRemoved CancelOutcome = "removed"
	// CancelRequested means a worker holds the job and stops before its next source.
	CancelRequested CancelOutcome = "cancelling"
)

type Manager struct {
	store   JobStore
	catalog Catalog
	queue   Queue
	logger  *slog.Logger
}

func NewManager(store JobStore, catalog Catalog, q Queue, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		catalog: catalog,
		queue:   q,
		logger:  logger.With("component", "job_manager"),
	}
}

// Enqueue validates req, records the job and hands it to the queue. Sellers
// that are unknown, inactive or have no sources are rejected here so that
// such a job never becomes ACTIVE.
func (m *Manager) Enqueue(ctx context.Context, req Request) (*models.ScrapeJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	seller, err := m.catalog.GetSeller(ctx, req.SellerID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSellerNotFound, req.SellerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up seller: %w", err)
	}
	if !seller.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrSellerInactive, seller.Name)
	}
	if len(seller.Sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSources, seller.Name)
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	job := &models.ScrapeJob{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		SellerID:      seller.ID,
		SellerName:    seller.Name,
		Mode:          req.Mode,
		Status:        models.JobCreated,
		Priority:      req.Priority(),
		StartPage:     req.StartPage,
		EndPage:       req.EndPage,
		FullSiteCrawl: req.FullSiteCrawl,
		SourceCount:   len(seller.Sources),
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, err
	}

	payload := ScrapePayload{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		SellerID:      job.SellerID,
		Mode:          job.Mode,
		StartPage:     job.StartPage,
		EndPage:       job.EndPage,
		FullSiteCrawl: job.FullSiteCrawl,
	}
	if _, err := m.queue.Enqueue(ctx, JobTypeScrape, payload, queue.EnqueueOptions{ID: job.ID, Priority: job.Priority}); err != nil {
		if ferr := m.store.Finish(ctx, job.ID, database.JobOutcome{Status: models.JobFailed, ErrorMessage: err.Error()}); ferr != nil {
			m.logger.Error("failed to record enqueue failure", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	// A fast worker may already have moved the job on.
	if err := m.store.MarkWaiting(ctx, job.ID); err == nil {
		job.Status = models.JobWaiting
	} else if !errors.Is(err, database.ErrInvalidTransition) {
		m.logger.Warn("failed to mark job waiting", "job_id", job.ID, "error", err)
	}

	m.logger.Info("job enqueued",
		"job_id", job.ID,
		"seller_id", job.SellerID,
		"mode", job.Mode,
		"priority", job.Priority,
		"sources", job.SourceCount)
	return job, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.ScrapeJob, error) {
	job, err := m.store.Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

func (m *Manager) List(ctx context.Context, f database.JobFilter) ([]models.ScrapeJob, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	if f.Mode != "" && !f.Mode.IsValid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, f.Mode)
	}
	return m.store.List(ctx, f)
}

// Cancel removes a job that has not started yet, or flags a running one so
// the worker stops before its next source.
func (m *Manager) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return "", err
	}

	outcome := CancelRequested
	qjob, err := m.queue.Get(ctx, id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
	case err != nil:
		return "", fmt.Errorf("failed to read queue state: %w", err)
	case qjob.State == queue.StateWaiting || qjob.State == queue.StateDelayed:
		if err := m.queue.Remove(ctx, id); err == nil {
			outcome = CancelRemoved
		} else if !errors.Is(err, queue.ErrJobActive) {
			return "", fmt.Errorf("failed to remove job from queue: %w", err)
		}
	}

	if err := m.store.Cancel(ctx, id); err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			return "", fmt.Errorf("%w: %s", ErrJobFinished, id)
		}
		return "", err
	}

	m.logger.Info("job cancelled", "job_id", id, "outcome", outcome)
	return outcome, nil
}

func (m *Manager) QueueStats(ctx context.Context) (queue.Counts, error) {
	return m.queue.Counts(ctx)
}

func (m *Manager) Pause(ctx context.Context) error {
	m.logger.Info("pausing scrape queue")
	return m.queue.Pause(ctx)
}

func (m *Manager) Resume(ctx context.Context) error {
	m.logger.Info("resuming scrape queue")
	return m.queue.Resume(ctx)
}
