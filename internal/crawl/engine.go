// Package crawl runs one polite, paginated crawl of a single scraping source.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maltedev/seed-scraper/internal/adapters"
	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/ratelimit"
	"github.com/maltedev/seed-scraper/internal/ratepolicy"
)

const defaultMaxPages = 500

type PolicyResolver interface {
	Resolve(ctx context.Context, baseURL string) ratepolicy.RateProfile
}

// Recorder observes individual fetches and the pacing chosen for each run;
// the metrics package implements it.
type Recorder interface {
	ObserveFetch(source string, status int, elapsed time.Duration, err error)
	ObserveProfile(source string, delay time.Duration, requestsPerMinute int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveFetch(string, int, time.Duration, error) {}
func (noopRecorder) ObserveProfile(string, time.Duration, int)      {}

type Config struct {
	RequestTimeout   time.Duration
	MaxRetries       int
	RateLimitBackoff time.Duration
	// MaxPages caps a single run regardless of what the site advertises.
	MaxPages int
}

type Engine struct {
	resolver PolicyResolver
	fetcher  Fetcher
	browser  Fetcher
	memory   *MemoryMonitor
	recorder Recorder
	sleep    ratelimit.Sleeper
	cfg      Config
	logger   *slog.Logger
}

type Option func(*Engine)

// WithBrowser sets the fetcher used for adapters that need client-side rendering.
func WithBrowser(f Fetcher) Option {
	return func(e *Engine) { e.browser = f }
}

func WithSleeper(s ratelimit.Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithMemoryMonitor(m *MemoryMonitor) Option {
	return func(e *Engine) { e.memory = m }
}

func New(resolver PolicyResolver, fetcher Fetcher, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 10 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	e := &Engine{
		resolver: resolver,
		fetcher:  fetcher,
		recorder: noopRecorder{},
		sleep:    ratelimit.Sleep,
		cfg:      cfg,
		logger:   logger.With("component", "crawl_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Options select the pagination strategy for one run.
type Options struct {
	Mode          models.Mode
	StartPage     int
	EndPage       int
	FullSiteCrawl bool
	OnProgress    ProgressFunc
}

type PageError struct {
	URL     string `json:"url"`
	Page    int    `json:"page"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

type Result struct {
	Source       string                  `json:"source"`
	Products     []models.CrawledProduct `json:"products"`
	PagesVisited int                     `json:"pages_visited"`
	PagesSkipped int                     `json:"pages_skipped"`
	Disallowed   int                     `json:"disallowed"`
	Errors       []PageError             `json:"errors,omitempty"`
	Profile      ratepolicy.RateProfile  `json:"rate_profile"`
	Duration     time.Duration           `json:"duration"`
	Memory       MemoryStatus            `json:"memory"`
	StoppedEarly bool                    `json:"stopped_early"`
}

// LastError returns the most recent page failure, or nil.
func (r Result) LastError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1].Err
}

type run struct {
	source   models.ScrapingSource
	opts     Options
	adapter  adapters.Adapter
	fetcher  Fetcher
	pacer    *ratelimit.Pacer
	frontier *Frontier
	tracker  progressTracker
	result   Result

	startPage     int
	detectedTotal int
	processed     int
	memoryWarned  bool
}

// Run crawls source page by page. Page-level failures are collected in the
// result and do not stop the run. An error is returned when the run could
// not start, was cancelled, or no page at all could be fetched; the partial
// result is returned alongside it.
func (e *Engine) Run(ctx context.Context, adapter adapters.Adapter, source models.ScrapingSource, opts Options) (Result, error) {
	began := time.Now()

	r := &run{
		source:    source,
		opts:      opts,
		adapter:   adapter,
		fetcher:   e.fetcherFor(adapter),
		frontier:  NewFrontier(),
		startPage: 1,
		result:    Result{Source: source.Name},
	}
	defer r.frontier.Release()

	finish := func(err error) (Result, error) {
		r.result.Duration = time.Since(began)
		return r.result, err
	}

	if source.URL == "" {
		return finish(fmt.Errorf("%w: source %q has no url", ErrInvalidSource, source.Name))
	}
	if opts.Mode == models.ModeTest {
		if opts.StartPage < 1 || opts.EndPage < opts.StartPage {
			return finish(fmt.Errorf("%w: invalid page range %d..%d", ErrInvalidSource, opts.StartPage, opts.EndPage))
		}
		r.startPage = opts.StartPage
	}

	profile := e.resolver.Resolve(ctx, source.URL)
	r.result.Profile = profile
	e.recorder.ObserveProfile(source.Name, profile.Delay, profile.RequestsPerMinute)
	r.pacer = ratelimit.NewPacer(profile.Delay, profile.RequestsPerMinute, ratelimit.WithSleeper(e.sleep))
	r.tracker.total = e.expectedPages(r)

	logger := e.logger.With("source", source.Name, "adapter", adapter.Name(), "mode", opts.Mode)
	logger.Info("crawl started",
		"url", source.URL,
		"delay_ms", profile.DelayMS(),
		"rpm", profile.RequestsPerMinute,
		"start_page", r.startPage)

	seed := adapter.BuildPageURL(source.URL, r.startPage)
	if !profile.Allows(seed) {
		r.result.Disallowed++
		return finish(fmt.Errorf("%w: %s", ErrDisallowed, seed))
	}
	r.frontier.Push(seed, r.startPage)

	for {
		if err := ctx.Err(); err != nil {
			logger.Warn("crawl cancelled", "pages", r.result.PagesVisited)
			return finish(err)
		}

		entry, ok := r.frontier.Pop()
		if !ok {
			break
		}
		r.processed++

		if err := e.visit(ctx, r, entry, logger); err != nil {
			return finish(err)
		}

		e.reportProgress(r, logger)

		if e.memory != nil && e.checkMemory(r, logger) {
			break
		}
	}

	logger.Info("crawl finished",
		"pages", r.result.PagesVisited,
		"products", len(r.result.Products),
		"errors", len(r.result.Errors),
		"duration", time.Since(began))

	if r.result.PagesVisited == 0 && len(r.result.Errors) > 0 {
		return finish(fmt.Errorf("%w: %w", ErrNoPages, r.result.LastError()))
	}
	return finish(nil)
}

// visit fetches and extracts one page. Only cancellation is returned as an
// error; everything else is recorded on the run.
func (e *Engine) visit(ctx context.Context, r *run, entry frontierEntry, logger *slog.Logger) error {
	page, err := e.fetchWithRetry(ctx, r, entry.URL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, errSkipPage) {
		r.result.PagesSkipped++
		logger.Info("page not found, skipping", "url", entry.URL, "page", entry.Page)
		e.enqueueNext(r, entry, adapters.Extraction{}, logger)
		return nil
	}
	if err != nil {
		logger.Warn("page failed", "url", entry.URL, "page", entry.Page, "error", err)
		r.addError(entry, err)
		e.enqueueNext(r, entry, adapters.Extraction{}, logger)
		return nil
	}
	r.result.PagesVisited++

	ex, err := r.adapter.Extract(page.Body, entry.URL)
	if err != nil {
		if errors.Is(err, adapters.ErrNoProducts) && entry.Page > r.startPage {
			logger.Info("listing exhausted", "page", entry.Page)
			return nil
		}
		logger.Warn("extraction failed", "url", entry.URL, "page", entry.Page, "error", err)
		r.addError(entry, err)
		e.enqueueNext(r, entry, adapters.Extraction{}, logger)
		return nil
	}

	r.result.Products = append(r.result.Products, ex.Products...)
	if ex.TotalPages > r.detectedTotal {
		r.detectedTotal = ex.TotalPages
		if r.opts.Mode != models.ModeTest && r.bound() == 0 {
			r.tracker.total = r.detectedTotal
		}
	}

	e.enqueueNext(r, entry, ex, logger)
	return nil
}

// enqueueNext pushes the page after entry, if there is one. Failed pages
// pass an empty extraction so only deterministic pagination continues. Next
// links that leave the source host are ignored since the run's robots rules
// and pacing only cover that host.
func (e *Engine) enqueueNext(r *run, entry frontierEntry, ex adapters.Extraction, logger *slog.Logger) {
	if ex.NextPageURL != "" && !sameHost(ex.NextPageURL, r.source.URL) {
		logger.Info("ignoring off-host next page link", "url", ex.NextPageURL)
		ex.NextPageURL = ""
	}
	next, nextPage, ok := e.nextPage(r, entry, ex)
	if !ok {
		return
	}
	if !r.result.Profile.Allows(next) {
		r.result.Disallowed++
		logger.Info("next page disallowed by robots.txt", "url", next)
		return
	}
	r.frontier.Push(next, nextPage)
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

func (r *run) addError(entry frontierEntry, err error) {
	pe := PageError{URL: entry.URL, Page: entry.Page, Message: err.Error(), Err: err}
	var re *RetryableError
	var fe *FatalError
	switch {
	case errors.As(err, &re):
		pe.Status = re.Status
	case errors.As(err, &fe):
		pe.Status = fe.Status
	}
	r.result.Errors = append(r.result.Errors, pe)
}

// bound is the page number a run must not go past; 0 means unbounded.
func (r *run) bound() int {
	switch r.opts.Mode {
	case models.ModeTest:
		return r.opts.EndPage
	case models.ModeManual:
		if r.opts.FullSiteCrawl {
			return 0
		}
		return r.source.MaxPage
	default:
		return 0
	}
}

func (e *Engine) expectedPages(r *run) int {
	if r.opts.Mode == models.ModeTest {
		return r.opts.EndPage - r.opts.StartPage + 1
	}
	if b := r.bound(); b > 0 {
		return b
	}
	return r.source.MaxPage
}

func (e *Engine) nextPage(r *run, entry frontierEntry, ex adapters.Extraction) (string, int, bool) {
	n := entry.Page + 1
	if n > e.cfg.MaxPages {
		return "", 0, false
	}
	if r.opts.Mode == models.ModeTest {
		if n > r.opts.EndPage {
			return "", 0, false
		}
		return r.adapter.BuildPageURL(r.source.URL, n), n, true
	}
	if b := r.bound(); b > 0 && n > b {
		return "", 0, false
	}

	switch {
	case ex.NextPageURL != "":
		return ex.NextPageURL, n, true
	case r.detectedTotal >= n:
		return r.adapter.BuildPageURL(r.source.URL, n), n, true
	case r.detectedTotal == 0 && r.source.MaxPage >= n && len(ex.Products) > 0:
		// No pagination markup at all: fall back to the declared max page.
		return r.adapter.BuildPageURL(r.source.URL, n), n, true
	}
	return "", 0, false
}

func (e *Engine) fetchWithRetry(ctx context.Context, r *run, url string) (*Page, error) {
	attempts := 1 + e.cfg.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := r.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		start := time.Now()
		page, err := r.fetcher.Fetch(reqCtx, url)
		cancel()

		outcome := e.checkResponse(url, page, err, r.pacer.DelayDuration())

		status := 0
		if page != nil {
			status = page.StatusCode
		}
		e.recorder.ObserveFetch(r.source.Name, status, time.Since(start), outcome)

		if err := r.pacer.Delay(ctx); err != nil {
			return nil, err
		}

		if outcome == nil {
			return page, nil
		}
		var re *RetryableError
		if !errors.As(outcome, &re) {
			return nil, outcome
		}

		lastErr = outcome
		if attempt < attempts {
			e.logger.Debug("retrying page", "url", url, "attempt", attempt, "backoff", re.BackoffHint, "error", outcome)
			if err := r.pacer.Backoff(ctx, re.BackoffHint); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// checkResponse applies the HTTP status policy to one fetch.
func (e *Engine) checkResponse(url string, page *Page, err error, delay time.Duration) error {
	if err != nil {
		return &RetryableError{URL: url, BackoffHint: delay, Err: err}
	}

	switch s := page.StatusCode; {
	case s >= 200 && s < 300:
		return nil
	case s == http.StatusNotFound || s == http.StatusGone:
		return errSkipPage
	case s == http.StatusTooManyRequests:
		return &RetryableError{URL: url, Status: s, BackoffHint: e.cfg.RateLimitBackoff}
	case s >= 500:
		return &RetryableError{URL: url, Status: s, BackoffHint: serverErrorBackoff(s, delay)}
	default:
		return &FatalError{URL: url, Status: s}
	}
}

func serverErrorBackoff(status int, delay time.Duration) time.Duration {
	switch status {
	case http.StatusServiceUnavailable:
		return delay * 2
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return delay * 3 / 2
	default:
		return delay
	}
}

func (e *Engine) fetcherFor(adapter adapters.Adapter) Fetcher {
	if adapters.RequiresBrowser(adapter) {
		if e.browser != nil {
			return e.browser
		}
		e.logger.Warn("adapter wants a browser but none is configured, using http", "adapter", adapter.Name())
	}
	return e.fetcher
}

func (e *Engine) reportProgress(r *run, logger *slog.Logger) {
	pct := r.tracker.advance(r.processed)
	if pct < 0 {
		return
	}
	p := Progress{
		Source:       r.source.Name,
		PagesVisited: r.result.PagesVisited,
		TotalPages:   r.tracker.total,
		Percent:      pct,
		Products:     len(r.result.Products),
	}
	if e.memory != nil {
		p.HeapMB = e.memory.Check().HeapMB
	}
	logger.Info("crawl progress", "percent", pct, "pages", p.PagesVisited, "total", p.TotalPages, "products", p.Products)
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(p)
	}
}

// checkMemory reports whether the run must stop.
func (e *Engine) checkMemory(r *run, logger *slog.Logger) bool {
	status := e.memory.Check()
	switch status.Level {
	case MemoryCritical:
		status.Truncated = true
		r.result.Memory = status
		r.result.StoppedEarly = true
		logger.Error("memory critical, stopping crawl early",
			"heap_mb", status.HeapMB, "limit_mb", status.LimitMB, "pages", r.result.PagesVisited)
		return true
	case MemoryWarning:
		if !r.memoryWarned {
			logger.Warn("memory usage high", "heap_mb", status.HeapMB, "limit_mb", status.LimitMB)
			r.memoryWarned = true
		}
	}
	r.result.Memory = status
	return false
}
