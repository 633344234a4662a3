package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/seed-scraper/internal/models"
)

func TestBuildListQuery(t *testing.T) {
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    JobFilter
		wantWhere string
		wantArgs  []any
	}{
		{
			name:     "no filters uses default limit",
			filter:   JobFilter{},
			wantArgs: []any{defaultListLimit, 0},
		},
		{
			name:      "seller and status",
			filter:    JobFilter{SellerID: "s1", Status: models.JobFailed, Limit: 10, Offset: 20},
			wantWhere: " WHERE seller_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4",
			wantArgs:  []any{"s1", "FAILED", 10, 20},
		},
		{
			name:      "mode and window, limit capped",
			filter:    JobFilter{Mode: models.ModeAuto, Since: since, Until: since.Add(24 * time.Hour), Limit: 10_000},
			wantWhere: " WHERE mode = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at DESC LIMIT $4 OFFSET $5",
			wantArgs:  []any{"auto", since, since.Add(24 * time.Hour), maxListLimit, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildListQuery(tt.filter)
			assert.Equal(t, tt.wantArgs, args)
			if tt.wantWhere != "" {
				assert.Contains(t, query, tt.wantWhere)
			} else {
				assert.NotContains(t, query, "WHERE")
			}
		})
	}
}

func TestJobStore_MonotonicStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewJobStore(db)

	job := &models.ScrapeJob{ID: "job-1", CorrelationID: "corr-1", SellerID: "s1", Mode: models.ModeManual, Priority: 10, SourceCount: 2}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, store.MarkActive(ctx, "job-1", 1, time.Now()))
	require.NoError(t, store.UpdateProgress(ctx, "job-1", 50))
	require.NoError(t, store.UpdateProgress(ctx, "job-1", 20))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, got.Status)
	assert.Equal(t, 50, got.Progress)
	assert.NotNil(t, got.StartedAt)

	details := json.RawMessage(`{"type":"NETWORK"}`)
	require.NoError(t, store.Finish(ctx, "job-1", JobOutcome{
		Status:          models.JobCompleted,
		ProductsScraped: 10,
		ProductsSaved:   10,
		Errors:          1,
		Duration:        1500 * time.Millisecond,
		ErrorDetails:    details,
	}))

	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, int64(1500), got.DurationMS)
	assert.JSONEq(t, string(details), string(got.ErrorDetails))

	assert.ErrorIs(t, store.MarkActive(ctx, "job-1", 2, time.Now()), ErrInvalidTransition)
	assert.ErrorIs(t, store.Cancel(ctx, "job-1"), ErrInvalidTransition)
	assert.ErrorIs(t, store.Cancel(ctx, "missing"), ErrNotFound)

	jobs, err := store.List(ctx, JobFilter{SellerID: "s1", Status: models.JobCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "corr-1", jobs[0].CorrelationID)
}

func TestCatalogRepository_SaveProducts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	catalog := NewCatalogRepository(db)
	prices := NewPriceRepository(db)

	_, err := db.Exec(ctx, `INSERT INTO sellers (id, name, website) VALUES ('s1', 'North Seeds', 'https://north.example')`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO scraping_sources (id, seller_id, url, adapter_name, max_page, position)
		VALUES ('src-2', 's1', 'https://north.example/autos', 'vancouverseedbank', 3, 2),
		       ('src-1', 's1', 'https://north.example/feminized', 'vancouverseedbank', 5, 1)`)
	require.NoError(t, err)

	seller, err := catalog.GetSeller(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, seller.Sources, 2)
	assert.Equal(t, "src-1", seller.Sources[0].ID)

	product := func(price float64) models.CrawledProduct {
		return models.CrawledProduct{
			Name:     "Blue Dream",
			Slug:     "blue-dream",
			URL:      "https://north.example/blue-dream",
			Pricings: []models.PackPrice{models.NewPackPrice(5, price)},
		}
	}

	res, err := catalog.SaveProducts(ctx, "s1", []models.CrawledProduct{product(50), {Name: "broken"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	require.Len(t, res.Failed, 1)

	res, err = catalog.SaveProducts(ctx, "s1", []models.CrawledProduct{product(45)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	stored, err := prices.StoredPrices(ctx, "s1", []string{"blue-dream"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 45.0, stored[0].CurrentPrice)
	require.NotNil(t, stored[0].PreviousPrice)
	assert.Equal(t, 50.0, *stored[0].PreviousPrice)

	var history int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM price_history`).Scan(&history))
	assert.Equal(t, 2, history)
}
