// Package metrics holds the Prometheus collectors of the scraper process.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maltedev/seed-scraper/internal/queue"
)

const Namespace = "seed_scraper"

// Metrics implements crawl.Recorder, queue.Observer and pricealert.Recorder.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	PagesFetched  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	CrawlDelay    *prometheus.GaugeVec
	CrawlRPM      *prometheus.GaugeVec
	QueueDepth    *prometheus.GaugeVec
	AlertJobs     prometheus.Counter
}

// New registers every collector on reg, or on the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Job attempts by type and resulting state.",
		}, []string{"type", "state"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of one job attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		}, []string{"type"}),
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "crawl",
			Name:      "pages_fetched_total",
			Help:      "Page fetches by source and status class.",
		}, []string{"source", "status"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "crawl",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single page fetch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		CrawlDelay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "crawl",
			Name:      "delay_seconds",
			Help:      "Delay between requests used for the latest run of a source.",
		}, []string{"source"}),
		CrawlRPM: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "crawl",
			Name:      "requests_per_minute",
			Help:      "Request ceiling used for the latest run of a source.",
		}, []string{"source"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs per queue and state.",
		}, []string{"queue", "state"}),
		AlertJobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "alerts",
			Name:      "enqueued_total",
			Help:      "Per-user price alert jobs enqueued.",
		}),
	}
}

func (m *Metrics) ObserveFetch(source string, status int, elapsed time.Duration, err error) {
	m.PagesFetched.WithLabelValues(source, statusClass(status, err)).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveProfile(source string, delay time.Duration, requestsPerMinute int) {
	m.CrawlDelay.WithLabelValues(source).Set(delay.Seconds())
	m.CrawlRPM.WithLabelValues(source).Set(float64(requestsPerMinute))
}

func (m *Metrics) JobFinished(jobType string, state queue.State, elapsed time.Duration) {
	m.JobsProcessed.WithLabelValues(jobType, string(state)).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func (m *Metrics) AlertsEnqueued(n int) {
	m.AlertJobs.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(name string, c queue.Counts) {
	for state, v := range map[queue.State]int64{
		queue.StateWaiting:   c.Waiting,
		queue.StateActive:    c.Active,
		queue.StateDelayed:   c.Delayed,
		queue.StateCompleted: c.Completed,
		queue.StateFailed:    c.Failed,
	} {
		m.QueueDepth.WithLabelValues(name, string(state)).Set(float64(v))
	}
}

type Counter interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// WatchQueue refreshes the depth gauges of q every interval until ctx is done.
func (m *Metrics) WatchQueue(ctx context.Context, name string, q Counter, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		counts, err := q.Counts(ctx)
		switch {
		case err == nil:
			m.SetQueueDepth(name, counts)
		case !errors.Is(err, context.Canceled):
			logger.Warn("failed to read queue depth", "queue", name, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func statusClass(status int, err error) string {
	if status == 0 {
		if err != nil {
			return "error"
		}
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
