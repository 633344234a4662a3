package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/seed-scraper/internal/adapters"
	"github.com/maltedev/seed-scraper/internal/crawl"
	"github.com/maltedev/seed-scraper/internal/database"
	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, queue.Config{Prefix: "test", MaxAttempts: 3, BackoffBase: time.Second, StallTimeout: time.Minute})
}

// memStore is an in-memory JobStore that enforces the same monotonic
// transitions as the Postgres store and keeps every status a job went through.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.ScrapeJob
	history  map[string][]models.JobStatus
	progress map[string][]int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*models.ScrapeJob),
		history:  make(map[string][]models.JobStatus),
		progress: make(map[string][]int),
	}
}

func (s *memStore) Create(_ context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return nil
	}
	cp := *job
	if cp.Status == "" {
		cp.Status = models.JobWaiting
	}
	s.jobs[job.ID] = &cp
	s.history[job.ID] = []models.JobStatus{cp.Status}
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) List(_ context.Context, f database.JobFilter) ([]models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScrapeJob
	for _, job := range s.jobs {
		if f.SellerID != "" && job.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Status(_ context.Context, id string) (models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", database.ErrNotFound
	}
	return job.Status, nil
}

func (s *memStore) transition(id string, to models.JobStatus, apply func(*models.ScrapeJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return database.ErrNotFound
	}
	if !job.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	if apply != nil {
		apply(job)
	}
	s.history[id] = append(s.history[id], to)
	return nil
}

func (s *memStore) MarkWaiting(_ context.Context, id string) error {
	return s.transition(id, models.JobWaiting, nil)
}

func (s *memStore) MarkActive(_ context.Context, id string, attempt int, at time.Time) error {
	return s.transition(id, models.JobActive, func(j *models.ScrapeJob) {
		j.Attempts = attempt
		j.StartedAt = &at
	})
}

func (s *memStore) MarkDelayed(_ context.Context, id, message string, details json.RawMessage) error {
	return s.transition(id, models.JobDelayed, func(j *models.ScrapeJob) {
		j.ErrorMessage = message
		j.ErrorDetails = details
	})
}

func (s *memStore) UpdateProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobActive {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	s.progress[id] = append(s.progress[id], job.Progress)
	return nil
}

func (s *memStore) Finish(_ context.Context, id string, o database.JobOutcome) error {
	return s.transition(id, o.Status, func(j *models.ScrapeJob) {
		if o.SellerName != "" {
			j.SellerName = o.SellerName
		}
		j.PagesCrawled = o.PagesCrawled
		j.ProductsScraped = o.ProductsScraped
		j.ProductsSaved = o.ProductsSaved
		j.ProductsUpdated = o.ProductsUpdated
		j.Errors = o.Errors
		j.DurationMS = o.Duration.Milliseconds()
		j.ErrorMessage = o.ErrorMessage
		j.ErrorDetails = o.ErrorDetails
		finished := o.FinishedAt
		j.CompletedAt = &finished
		if o.Status == models.JobCompleted {
			j.Progress = 100
		}
	})
}

func (s *memStore) Cancel(_ context.Context, id string) error {
	return s.transition(id, models.JobCancelled, nil)
}

func (s *memStore) statuses(id string) []models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobStatus(nil), s.history[id]...)
}

type fakeCatalog struct {
	mu        sync.Mutex
	sellers   map[string]*models.Seller
	sellerErr error
	saveErr   error
	failSlugs map[string]bool
	existing  map[string]bool
	baselines []models.PriceBaseline
	saves     [][]models.CrawledProduct
}

func newFakeCatalog(sellers ...*models.Seller) *fakeCatalog {
	c := &fakeCatalog{sellers: make(map[string]*models.Seller), failSlugs: map[string]bool{}, existing: map[string]bool{}}
	for _, s := range sellers {
		c.sellers[s.ID] = s
	}
	return c
}

func (c *fakeCatalog) GetSeller(_ context.Context, id string) (*models.Seller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sellerErr != nil {
		return nil, c.sellerErr
	}
	s, ok := c.sellers[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return s, nil
}

func (c *fakeCatalog) SaveProducts(_ context.Context, _ string, products []models.CrawledProduct) (database.SaveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, products)
	if c.saveErr != nil {
		return database.SaveResult{}, c.saveErr
	}
	res := database.SaveResult{Baselines: c.baselines}
	for _, p := range products {
		switch {
		case c.failSlugs[p.Slug]:
			res.Failed = append(res.Failed, database.ProductSaveError{Slug: p.Slug, Err: fmt.Errorf("duplicate key value violates unique constraint")})
		case c.existing[p.Slug]:
			res.Updated++
		default:
			res.Saved++
		}
	}
	return res, nil
}

func (c *fakeCatalog) ActiveSellerIDs(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, s := range c.sellers {
		if s.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type stubAdapter struct{ name string }

func (a stubAdapter) Name() string { return a.name }

func (a stubAdapter) BuildPageURL(base string, page int) string {
	return fmt.Sprintf("%s?page=%d", base, page)
}

func (a stubAdapter) Extract([]byte, string) (adapters.Extraction, error) {
	return adapters.Extraction{}, nil
}

// sourceRun scripts what the fake crawler does for one source URL.
type sourceRun struct {
	result   crawl.Result
	err      error
	progress []int
	before   func()
}

type fakeCrawler struct {
	mu    sync.Mutex
	runs  map[string]sourceRun
	calls []string
}

func (c *fakeCrawler) Run(ctx context.Context, _ adapters.Adapter, source models.ScrapingSource, opts crawl.Options) (crawl.Result, error) {
	c.mu.Lock()
	run := c.runs[source.URL]
	c.calls = append(c.calls, source.URL)
	c.mu.Unlock()

	if run.before != nil {
		run.before()
	}
	if err := ctx.Err(); err != nil {
		return crawl.Result{}, err
	}
	for _, pct := range run.progress {
		if opts.OnProgress != nil {
			opts.OnProgress(crawl.Progress{Source: source.URL, Percent: pct})
		}
	}
	return run.result, run.err
}

func (c *fakeCrawler) called() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type enqueuedJob struct {
	jobType string
	id      string
	data    any
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, jobType string, data any, opts queue.EnqueueOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, enqueuedJob{jobType: jobType, id: opts.ID, data: data})
	return opts.ID, nil
}

func (e *recordingEnqueuer) enqueued() []enqueuedJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]enqueuedJob(nil), e.jobs...)
}

func products(prefix string, n int) []models.CrawledProduct {
	out := make([]models.CrawledProduct, n)
	for i := range out {
		slug := fmt.Sprintf("%s-%d", prefix, i+1)
		out[i] = models.CrawledProduct{
			Name:     slug,
			Slug:     slug,
			URL:      "https://north.example/" + slug,
			Pricings: []models.PackPrice{models.NewPackPrice(5, 50)},
		}
	}
	return out
}

func testSeller(sources ...string) *models.Seller {
	s := &models.Seller{ID: "s1", Name: "North Seeds", Website: "https://north.example", IsActive: true}
	for i, url := range sources {
		s.Sources = append(s.Sources, models.ScrapingSource{
			ID:          fmt.Sprintf("src-%d", i+1),
			SellerID:    "s1",
			Name:        fmt.Sprintf("source %d", i+1),
			URL:         url,
			AdapterName: "stub",
			MaxPage:     3,
		})
	}
	return s
}
