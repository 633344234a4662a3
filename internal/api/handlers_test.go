package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/seed-scraper/internal/database"
	"github.com/maltedev/seed-scraper/internal/jobs"
	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/queue"
)

type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) Enqueue(ctx context.Context, req jobs.Request) (*models.ScrapeJob, error) {
	args := m.Called(ctx, req)
	if job := args.Get(0); job != nil {
		return job.(*models.ScrapeJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobService) Get(ctx context.Context, id string) (*models.ScrapeJob, error) {
	args := m.Called(ctx, id)
	if job := args.Get(0); job != nil {
		return job.(*models.ScrapeJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobService) List(ctx context.Context, f database.JobFilter) ([]models.ScrapeJob, error) {
	args := m.Called(ctx, f)
	list, _ := args.Get(0).([]models.ScrapeJob)
	return list, args.Error(1)
}

func (m *MockJobService) Cancel(ctx context.Context, id string) (jobs.CancelOutcome, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(jobs.CancelOutcome), args.Error(1)
}

func (m *MockJobService) QueueStats(ctx context.Context) (queue.Counts, error) {
	args := m.Called(ctx)
	return args.Get(0).(queue.Counts), args.Error(1)
}

func (m *MockJobService) Pause(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockJobService) Resume(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(svc JobService) http.Handler {
	return NewRouter(NewHandlers(svc, testLogger()), nil, RouterConfig{Gatherer: prometheus.NewRegistry()})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateJob(t *testing.T) {
	svc := new(MockJobService)
	svc.On("Enqueue", mock.Anything, jobs.Request{SellerID: "s1", Mode: models.ModeManual}).
		Return(&models.ScrapeJob{ID: "job-1", CorrelationID: "corr-1", Status: models.JobWaiting}, nil)

	rec := do(t, newTestServer(svc), http.MethodPost, "/api/v1/jobs", `{"seller_id":"s1"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "corr-1", body["correlation_id"])
	assert.Equal(t, "WAITING", body["status"])
	svc.AssertExpectations(t)
}

func TestCreateJob_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"malformed body", `{"seller_id":`, nil, http.StatusBadRequest},
		{"invalid request", `{"seller_id":"s1","mode":"test"}`, fmt.Errorf("%w: test mode needs a page range", jobs.ErrInvalidRequest), http.StatusBadRequest},
		{"unknown seller", `{"seller_id":"nobody"}`, jobs.ErrSellerNotFound, http.StatusNotFound},
		{"inactive seller", `{"seller_id":"s1"}`, jobs.ErrSellerInactive, http.StatusUnprocessableEntity},
		{"no sources", `{"seller_id":"s1"}`, jobs.ErrNoSources, http.StatusUnprocessableEntity},
		{"store failure", `{"seller_id":"s1"}`, errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockJobService)
			if tt.err != nil {
				svc.On("Enqueue", mock.Anything, mock.Anything).Return(nil, tt.err)
			}

			rec := do(t, newTestServer(svc), http.MethodPost, "/api/v1/jobs", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
			svc.AssertExpectations(t)
		})
	}
}

func TestGetJob(t *testing.T) {
	svc := new(MockJobService)
	svc.On("Get", mock.Anything, "job-1").Return(&models.ScrapeJob{ID: "job-1", Status: models.JobActive, Progress: 40}, nil)
	svc.On("Get", mock.Anything, "missing").Return(nil, jobs.ErrJobNotFound)
	srv := newTestServer(svc)

	rec := do(t, srv, http.MethodGet, "/api/v1/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ACTIVE", body["status"])
	assert.Equal(t, 40.0, body["progress"])

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	svc := new(MockJobService)
	svc.On("List", mock.Anything, database.JobFilter{
		SellerID: "s1",
		Status:   models.JobCompleted,
		Mode:     models.ModeAuto,
		Since:    since,
		Limit:    10,
		Offset:   20,
	}).Return([]models.ScrapeJob{{ID: "a"}, {ID: "b"}}, nil)

	rec := do(t, newTestServer(svc), http.MethodGet,
		"/api/v1/jobs?seller_id=s1&status=COMPLETED&mode=auto&since=2026-10-01T00:00:00Z&limit=10&offset=20", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, decode(t, rec)["count"])
	svc.AssertExpectations(t)
}

func TestListJobs_BadQuery(t *testing.T) {
	for _, q := range []string{"since=yesterday", "until=soon", "limit=-1", "offset=abc"} {
		t.Run(q, func(t *testing.T) {
			svc := new(MockJobService)
			rec := do(t, newTestServer(svc), http.MethodGet, "/api/v1/jobs?"+q, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			svc.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
		})
	}
}

func TestListJobs_EmptyIsArray(t *testing.T) {
	svc := new(MockJobService)
	svc.On("List", mock.Anything, database.JobFilter{}).Return(nil, nil)

	rec := do(t, newTestServer(svc), http.MethodGet, "/api/v1/jobs", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[],"count":0}`, rec.Body.String())
}

func TestCancelJob(t *testing.T) {
	tests := []struct {
		name     string
		outcome  jobs.CancelOutcome
		err      error
		wantCode int
	}{
		{"removed", jobs.CancelRemoved, nil, http.StatusAccepted},
		{"cancelling", jobs.CancelRequested, nil, http.StatusAccepted},
		{"finished", "", jobs.ErrJobFinished, http.StatusConflict},
		{"unknown", "", jobs.ErrJobNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockJobService)
			svc.On("Cancel", mock.Anything, "job-1").Return(tt.outcome, tt.err)

			rec := do(t, newTestServer(svc), http.MethodDelete, "/api/v1/jobs/job-1", "")

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.err == nil {
				assert.Equal(t, string(tt.outcome), decode(t, rec)["result"])
			}
		})
	}
}

func TestQueueControl(t *testing.T) {
	svc := new(MockJobService)
	svc.On("QueueStats", mock.Anything).Return(queue.Counts{Waiting: 3, Active: 1, Total: 4}, nil)
	svc.On("Pause", mock.Anything).Return(nil)
	svc.On("Resume", mock.Anything).Return(errors.New("redis down"))
	srv := newTestServer(svc)

	rec := do(t, srv, http.MethodGet, "/api/v1/queue/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 3.0, body["waiting"])
	assert.Equal(t, 4.0, body["total"])

	rec = do(t, srv, http.MethodPost, "/api/v1/queue/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["paused"])

	rec = do(t, srv, http.MethodPost, "/api/v1/queue/resume", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "seed_scraper_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := NewRouter(NewHandlers(new(MockJobService), testLogger()), nil, RouterConfig{Gatherer: reg})
	rec := do(t, srv, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seed_scraper_test_total 1")
}
