package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

// Pinger is satisfied by *database.DB and by a thin wrapper around the redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OutboxStats is implemented by database.OutboxRepository.
type OutboxStats interface {
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Checks     map[string]string `json:"checks"`
	Pending    int64             `json:"outbox_pending"`
	DeadLetter int64             `json:"outbox_dead_letter"`
	Warnings   []string          `json:"warnings,omitempty"`
}

type HealthHandler struct {
	service string
	db      Pinger
	redis   Pinger
	outbox  OutboxStats
	logger  *slog.Logger
}

func NewHealthHandler(service string, db, redis Pinger, outbox OutboxStats, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		db:      db,
		redis:   redis,
		outbox:  outbox,
		logger:  logger.With("component", "health"),
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "ok",
		Service: h.service,
		Checks:  map[string]string{},
	}
	status := http.StatusOK

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.Error("health check failed", "check", name, "error", err)
			resp.Checks[name] = "down"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			return
		}
		resp.Checks[name] = "ok"
	}
	check("database", h.db)
	check("redis", h.redis)

	if h.outbox != nil {
		pending, err := h.outbox.PendingCount(ctx)
		if err != nil {
			h.logger.Error("failed to get pending count", "error", err)
		}
		deadLetter, err := h.outbox.DeadLetterCount(ctx)
		if err != nil {
			h.logger.Error("failed to get dead letter count", "error", err)
		}
		resp.Pending = pending
		resp.DeadLetter = deadLetter

		if pending > pendingWarnThreshold {
			resp.Warnings = append(resp.Warnings, "outbox backlog is high")
			if resp.Status == "ok" {
				resp.Status = "warning"
			}
		}
		if deadLetter > deadLetterFailThreshold {
			resp.Warnings = append(resp.Warnings, "too many dead letter events")
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp, h.logger)
}
