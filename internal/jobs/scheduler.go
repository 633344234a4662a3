package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/maltedev/seed-scraper/internal/models"
)

// SellerLister returns the sellers that take part in scheduled scrapes.
type SellerLister interface {
	ActiveSellerIDs(ctx context.Context) ([]string, error)
}

// ScrapeEnqueuer accepts scrape requests; Manager implements it.
type ScrapeEnqueuer interface {
	Enqueue(ctx context.Context, req Request) (*models.ScrapeJob, error)
}

// Scheduler enqueues one auto-mode scrape per active seller on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	sellers SellerLister
	jobs    ScrapeEnqueuer
	logger  *slog.Logger
}

func NewScheduler(spec string, sellers SellerLister, jobs ScrapeEnqueuer, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		spec:    spec,
		sellers: sellers,
		jobs:    jobs,
		logger:  logger.With("component", "scheduler"),
	}
}

// Start registers the schedule and blocks until ctx is done, then waits for a
// running tick to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.spec)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// RunOnce enqueues an auto scrape for every active seller and returns how
// many were accepted.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ids, err := s.sellers.ActiveSellerIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list active sellers", "error", err)
		return 0
	}

	enqueued := 0
	for _, id := range ids {
		job, err := s.jobs.Enqueue(ctx, Request{SellerID: id, Mode: models.ModeAuto})
		if err != nil {
			s.logger.Warn("skipping scheduled scrape", "seller_id", id, "error", err)
			continue
		}
		s.logger.Debug("scheduled scrape enqueued", "seller_id", id, "job_id", job.ID)
		enqueued++
	}
	s.logger.Info("scheduled scrapes enqueued", "sellers", len(ids), "enqueued", enqueued)
	return enqueued
}
