package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/seed-scraper/internal/adapters"
	"github.com/maltedev/seed-scraper/internal/crawl"
	"github.com/maltedev/seed-scraper/internal/database"
	"github.com/maltedev/seed-scraper/internal/errclass"
	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/pricealert"
	"github.com/maltedev/seed-scraper/internal/queue"
)

// ErrAllSourcesFailed is returned when no source of a job produced a result.
// The job is already recorded as FAILED when it surfaces.
var ErrAllSourcesFailed = errors.New("all sources failed")

const (
	progressStarted      = 5
	progressSellerLoaded = 20
	progressSourcesStart = 10
	progressSourcesSpan  = 80
)

// Crawler runs one source; crawl.Engine implements it.
type Crawler interface {
	Run(ctx context.Context, adapter adapters.Adapter, source models.ScrapingSource, opts crawl.Options) (crawl.Result, error)
}

type AdapterLookup interface {
	Get(name string) (adapters.Adapter, error)
}

// Result is stored as the queue job result.
type Result struct {
	Success       bool                    `json:"success"`
	JobID         string                  `json:"job_id"`
	SellerID      string                  `json:"seller_id"`
	SellerName    string                  `json:"seller_name"`
	Status        models.JobStatus        `json:"status"`
	TotalProducts int                     `json:"total_products"`
	Saved         int                     `json:"saved"`
	Updated       int                     `json:"updated"`
	Errors        int                     `json:"errors"`
	Pages         int                     `json:"pages"`
	Products      []models.CrawledProduct `json:"products,omitempty"`
}

// errorDetail is what lands in scrape_jobs.error_details.
type errorDetail struct {
	errclass.Classification
	Source string `json:"source,omitempty"`
}

type Worker struct {
	store    JobStore
	catalog  Catalog
	crawler  Crawler
	adapters AdapterLookup
	detect   Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker wires a scrape worker. detect receives one price-change
// detection job per completed scrape; it may be nil.
func NewWorker(store JobStore, catalog Catalog, crawler Crawler, lookup AdapterLookup, detect Enqueuer, logger *slog.Logger) *Worker {
	return &Worker{
		store:    store,
		catalog:  catalog,
		crawler:  crawler,
		adapters: lookup,
		detect:   detect,
		logger:   logger.With("component", "scrape_worker"),
		now:      time.Now,
	}
}

// Handle is the queue.Handler for scrape jobs. It records failures on the
// job before handing them back to the pool, which decides on a retry.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload ScrapePayload
	if err := job.Decode(&payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode scrape payload: %w", err))
	}
	if payload.JobID == "" {
		payload.JobID = job.ID
	}

	res, err := w.Process(ctx, payload, job.Attempts)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrAllSourcesFailed) {
		return nil, err
	}

	final := errors.Is(err, queue.ErrPermanent) || job.Attempts >= job.MaxAttempts
	w.recordFailure(payload.JobID, err, final)
	return nil, err
}

func (w *Worker) recordFailure(jobID string, cause error, final bool) {
	// The job context may already be gone; the record must still be written.
	ctx := context.Background()
	c := errclass.Classify(cause, errclass.Context{JobID: jobID, Origin: "worker", Frequency: 1})
	details := marshalDetail(errorDetail{Classification: c})
	logger := w.logger.With("job_id", jobID, "error_type", c.Type, "severity", c.Severity)

	if !final {
		if err := w.store.MarkDelayed(ctx, jobID, cause.Error(), details); err != nil && !errors.Is(err, database.ErrInvalidTransition) {
			logger.Error("failed to mark job delayed", "error", err)
		}
		return
	}

	err := w.store.Finish(ctx, jobID, database.JobOutcome{
		Status:       models.JobFailed,
		FinishedAt:   w.now(),
		ErrorMessage: cause.Error(),
		ErrorDetails: details,
	})
	if err != nil && !errors.Is(err, database.ErrInvalidTransition) {
		logger.Error("failed to mark job failed", "error", err)
	}
	logger.Error("scrape job failed", "error", cause, "action", c.Recommendation.Action)
}

// Process runs every source of the job in order and records the outcome.
func (w *Worker) Process(ctx context.Context, p ScrapePayload, attempt int) (*Result, error) {
	start := w.now()
	logger := w.logger.With("job_id", p.JobID, "seller_id", p.SellerID, "correlation_id", p.CorrelationID)

	if err := w.store.MarkActive(ctx, p.JobID, attempt, start); err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			status, _ := w.store.Status(ctx, p.JobID)
			logger.Info("job already finished, skipping", "status", status)
			return &Result{JobID: p.JobID, SellerID: p.SellerID, Status: status}, nil
		}
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}
	w.progress(ctx, p.JobID, progressStarted)

	seller, err := w.catalog.GetSeller(ctx, p.SellerID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, queue.Permanent(fmt.Errorf("%w: %s", ErrSellerNotFound, p.SellerID))
	case err != nil:
		return nil, fmt.Errorf("failed to look up seller: %w", err)
	case !seller.IsActive:
		return nil, queue.Permanent(fmt.Errorf("%w: %s", ErrSellerInactive, seller.Name))
	case len(seller.Sources) == 0:
		return nil, queue.Permanent(fmt.Errorf("%w: %s", ErrNoSources, seller.Name))
	}
	w.progress(ctx, p.JobID, progressSellerLoaded)

	var (
		products      []models.CrawledProduct
		pages         int
		errorCount    int
		failedSources int
		lastFailure   json.RawMessage
		lastMessage   string
	)
	n := len(seller.Sources)

	for i, source := range seller.Sources {
		if w.cancelled(ctx, p.JobID) {
			logger.Info("job cancelled, stopping before next source", "source_url", source.URL)
			return cancelledResult(p.JobID, seller), nil
		}

		srcLogger := logger.With("source_url", source.URL, "adapter", source.AdapterName)
		res, err := w.crawlSource(ctx, p, source, i, n)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pages += res.PagesVisited

		if err != nil {
			failedSources++
			errorCount++
			c := w.classify(p.JobID, source, err, len(res.Errors))
			lastFailure = marshalDetail(errorDetail{Classification: c, Source: sourceName(source)})
			lastMessage = err.Error()
			srcLogger.Error("source failed",
				"error", err,
				"error_type", c.Type,
				"severity", c.Severity,
				"alert", errclass.ShouldAlert(c, len(res.Errors)))
		} else {
			products = append(products, res.Products...)
			errorCount += len(res.Errors)
			if last := res.LastError(); last != nil {
				c := w.classify(p.JobID, source, last, len(res.Errors))
				lastFailure = marshalDetail(errorDetail{Classification: c, Source: sourceName(source)})
				lastMessage = last.Error()
			}
			srcLogger.Info("source crawled",
				"products", len(res.Products),
				"pages", res.PagesVisited,
				"page_errors", len(res.Errors),
				"stopped_early", res.StoppedEarly)
		}

		w.progress(ctx, p.JobID, progressSourcesStart+progressSourcesSpan*(i+1)/n)
	}

	if w.cancelled(ctx, p.JobID) {
		logger.Info("job cancelled after crawling, discarding products", "products", len(products))
		return cancelledResult(p.JobID, seller), nil
	}

	outcome := database.JobOutcome{
		SellerName:      seller.Name,
		PagesCrawled:    pages,
		ProductsScraped: len(products),
		ErrorMessage:    lastMessage,
		ErrorDetails:    lastFailure,
	}

	if failedSources == n {
		outcome.Status = models.JobFailed
		outcome.Errors = errorCount
		outcome.Duration = w.now().Sub(start)
		outcome.FinishedAt = w.now()
		if err := w.store.Finish(context.WithoutCancel(ctx), p.JobID, outcome); err != nil && !errors.Is(err, database.ErrInvalidTransition) {
			logger.Error("failed to mark job failed", "error", err)
		}
		logger.Error("scrape job failed", "sources", n, "errors", errorCount)
		return nil, queue.Permanent(fmt.Errorf("%w: %d of %d: %s", ErrAllSourcesFailed, failedSources, n, lastMessage))
	}

	var saved database.SaveResult
	if len(products) > 0 {
		saved, err = w.catalog.SaveProducts(ctx, seller.ID, products)
		if err != nil {
			return nil, fmt.Errorf("failed to save products: %w", err)
		}
		for _, f := range saved.Failed {
			logger.Warn("failed to save product", "slug", f.Slug, "error", f.Err)
		}
	}
	errorCount += len(saved.Failed)

	outcome.Status = models.JobCompleted
	outcome.ProductsSaved = saved.Saved
	outcome.ProductsUpdated = saved.Updated
	outcome.Errors = errorCount
	outcome.Duration = w.now().Sub(start)
	outcome.FinishedAt = w.now()

	result := &Result{
		Success:       true,
		JobID:         p.JobID,
		SellerID:      seller.ID,
		SellerName:    seller.Name,
		Status:        models.JobCompleted,
		TotalProducts: len(products),
		Saved:         saved.Saved,
		Updated:       saved.Updated,
		Errors:        errorCount,
		Pages:         pages,
		Products:      products,
	}

	if err := w.store.Finish(context.WithoutCancel(ctx), p.JobID, outcome); err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			logger.Info("job cancelled while saving, skipping price detection")
			result.Success = false
			result.Status = models.JobCancelled
			return result, nil
		}
		return nil, fmt.Errorf("failed to mark job completed: %w", err)
	}

	logger.Info("scrape job completed",
		"products", len(products),
		"saved", saved.Saved,
		"updated", saved.Updated,
		"errors", errorCount,
		"pages", pages,
		"duration", outcome.Duration)

	if saved.Saved+saved.Updated > 0 {
		w.enqueueDetection(ctx, p.JobID, seller.ID, products, saved.Baselines, logger)
	}
	return result, nil
}

// cancelled reports whether the job was cancelled through the API. Store
// errors count as not cancelled so a flaky read never drops a crawl.
func (w *Worker) cancelled(ctx context.Context, jobID string) bool {
	status, err := w.store.Status(ctx, jobID)
	return err == nil && status == models.JobCancelled
}

func cancelledResult(jobID string, seller *models.Seller) *Result {
	return &Result{JobID: jobID, SellerID: seller.ID, SellerName: seller.Name, Status: models.JobCancelled}
}

func (w *Worker) crawlSource(ctx context.Context, p ScrapePayload, source models.ScrapingSource, i, n int) (crawl.Result, error) {
	adapter, err := w.adapters.Get(source.AdapterName)
	if err != nil {
		return crawl.Result{}, err
	}
	return w.crawler.Run(ctx, adapter, source, crawl.Options{
		Mode:          p.Mode,
		StartPage:     p.StartPage,
		EndPage:       p.EndPage,
		FullSiteCrawl: p.FullSiteCrawl,
		OnProgress: func(pr crawl.Progress) {
			w.progress(ctx, p.JobID, progressSourcesStart+progressSourcesSpan*(i*100+pr.Percent)/(n*100))
		},
	})
}

func (w *Worker) classify(jobID string, source models.ScrapingSource, err error, frequency int) errclass.Classification {
	if frequency < 1 {
		frequency = 1
	}
	return errclass.Classify(err, errclass.Context{
		JobID:      jobID,
		SourceName: sourceName(source),
		Origin:     "worker",
		Frequency:  frequency,
	})
}

func (w *Worker) progress(ctx context.Context, jobID string, pct int) {
	if err := w.store.UpdateProgress(ctx, jobID, pct); err != nil {
		w.logger.Debug("failed to update progress", "job_id", jobID, "progress", pct, "error", err)
	}
}

func (w *Worker) enqueueDetection(ctx context.Context, jobID, sellerID string, products []models.CrawledProduct, baselines []models.PriceBaseline, logger *slog.Logger) {
	if w.detect == nil {
		return
	}
	payload := pricealert.DetectPayload{JobID: jobID, SellerID: sellerID, Products: products, Baselines: baselines}
	id, err := w.detect.Enqueue(context.WithoutCancel(ctx), pricealert.JobTypeDetect, payload, queue.EnqueueOptions{
		ID: pricealert.DetectJobID(jobID),
	})
	if err != nil {
		logger.Error("failed to enqueue price detection", "error", err)
		return
	}
	logger.Info("price detection enqueued", "detect_job_id", id, "products", len(products))
}

func sourceName(s models.ScrapingSource) string {
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}

func marshalDetail(d errorDetail) json.RawMessage {
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}
