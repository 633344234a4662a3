// Package ratepolicy derives a per-run crawl rate and path filter from a
// site's robots.txt.
package ratepolicy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/maltedev/seed-scraper/internal/ratelimit"
)

const (
	robotsTxtPath      = "/robots.txt"
	maxRobotsBodyBytes = 512 * 1024
	robotsFetchTimeout = 10 * time.Second

	// maxExplicitDelay bounds how long a declared Crawl-delay can stall a worker.
	maxExplicitDelay = 60 * time.Second
)

// RateProfile is computed once per crawl run and discarded afterwards.
type RateProfile struct {
	Host              string        `json:"host"`
	Delay             time.Duration `json:"delay"`
	Explicit          bool          `json:"explicit"`
	RequestsPerMinute int           `json:"requests_per_minute"`

	group *robotstxt.Group
}

// Allows reports whether rawURL may be fetched. Allow and Disallow rules are
// matched longest-first; a profile without rules allows everything.
func (p RateProfile) Allows(rawURL string) bool {
	if p.group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return p.group.Test(u.RequestURI())
}

// DelayMS is the delay in whole milliseconds.
func (p RateProfile) DelayMS() int64 {
	return p.Delay.Milliseconds()
}

type Config struct {
	UserAgent  string
	MinDelay   time.Duration
	MaxDelay   time.Duration
	DefaultRPM int
}

type Resolver struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

func NewResolver(httpClient *http.Client, cfg Config, logger *slog.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: robotsFetchTimeout}
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 1 * time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.DefaultRPM <= 0 {
		cfg.DefaultRPM = 20
	}
	return &Resolver{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger.With("component", "rate_policy"),
	}
}

// Resolve never fails: an unreachable, missing or unparsable robots.txt
// yields the default profile.
func (r *Resolver) Resolve(ctx context.Context, baseURL string) RateProfile {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		r.logger.Warn("invalid base url, using default profile", "url", baseURL, "error", err)
		return r.Default("")
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}

	body, err := r.fetch(ctx, scheme+"://"+u.Host+robotsTxtPath)
	if err != nil {
		r.logger.Info("robots.txt unavailable, using default profile", "host", u.Host, "error", err)
		return r.Default(u.Host)
	}

	robots, err := robotstxt.FromBytes(body)
	if err != nil {
		r.logger.Warn("robots.txt unparsable, using default profile", "host", u.Host, "error", err)
		return r.Default(u.Host)
	}

	profile := r.Default(u.Host)
	profile.group = robots.FindGroup(r.cfg.UserAgent)

	if declared := profile.group.CrawlDelay; declared > 0 {
		profile.Explicit = true
		profile.Delay = declared
		profile.RequestsPerMinute = requestsPerMinute(declared)
		if declared > maxExplicitDelay {
			r.logger.Warn("crawl-delay clamped", "host", u.Host, "declared", declared, "used", maxExplicitDelay)
			profile.Delay = maxExplicitDelay
		}
	}

	r.logger.Info("rate profile resolved",
		"host", u.Host,
		"delay_ms", profile.DelayMS(),
		"explicit", profile.Explicit,
		"rpm", profile.RequestsPerMinute)

	return profile
}

// Default returns the conservative profile used when a site declares no delay.
func (r *Resolver) Default(host string) RateProfile {
	return RateProfile{
		Host:              host,
		Delay:             ratelimit.JitteredDelay(r.cfg.MinDelay, r.cfg.MaxDelay),
		RequestsPerMinute: r.cfg.DefaultRPM,
	}
}

func (r *Resolver) fetch(ctx context.Context, robotsURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, robotsFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// requestsPerMinute is floor(60000 / delay_ms), never below 1.
func requestsPerMinute(delay time.Duration) int {
	ms := delay.Milliseconds()
	if ms <= 0 {
		return 60000
	}
	rpm := int(60000 / ms)
	if rpm < 1 {
		rpm = 1
	}
	return rpm
}
