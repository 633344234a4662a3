package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type outboxCounts struct {
	pending, deadLetter int64
}

func (o outboxCounts) PendingCount(context.Context) (int64, error)    { return o.pending, nil }
func (o outboxCounts) DeadLetterCount(context.Context) (int64, error) { return o.deadLetter, nil }

func TestHealthHandler(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		db, redis  Pinger
		outbox     outboxCounts
		wantCode   int
		wantStatus string
	}{
		{"healthy", ok, ok, outboxCounts{pending: 3}, http.StatusOK, "ok"},
		{"backlog", ok, ok, outboxCounts{pending: 1500}, http.StatusOK, "warning"},
		{"dead letters", ok, ok, outboxCounts{deadLetter: 101}, http.StatusServiceUnavailable, "unhealthy"},
		{"database down", down, ok, outboxCounts{}, http.StatusServiceUnavailable, "unhealthy"},
		{"redis down", ok, down, outboxCounts{}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := NewHealthHandler("seed-scraper", tt.db, tt.redis, tt.outbox, testLogger())
			srv := NewRouter(NewHandlers(new(MockJobService), testLogger()), health, RouterConfig{})

			rec := do(t, srv, http.MethodGet, "/health", "")

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, "seed-scraper", body["service"])
		})
	}
}
