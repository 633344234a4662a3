package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/seed-scraper/internal/models"
)

// ErrInvalidTransition is returned when a status update would move a job
// backwards or out of a terminal status.
var ErrInvalidTransition = errors.New("invalid job status transition")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

const jobColumns = `
	id, correlation_id, seller_id, seller_name, mode, status, priority,
	start_page, end_page, full_site_crawl, source_count, pages_crawled,
	products_scraped, products_saved, products_updated, errors, progress,
	attempts, duration_ms, created_at, started_at, completed_at,
	error_message, error_details`

// JobStore persists the lifecycle of scrape jobs in the scrape_jobs table.
// Status updates are conditional on the current status so that a row never
// moves backwards, even when a stalled job is redelivered.
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

type JobFilter struct {
	SellerID string
	Status   models.JobStatus
	Mode     models.Mode
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// JobOutcome is the final accounting the worker writes when a job finishes.
type JobOutcome struct {
	Status          models.JobStatus
	SellerName      string
	PagesCrawled    int
	ProductsScraped int
	ProductsSaved   int
	ProductsUpdated int
	Errors          int
	Duration        time.Duration
	FinishedAt      time.Time
	ErrorMessage    string
	ErrorDetails    json.RawMessage
}

func (s *JobStore) Create(ctx context.Context, job *models.ScrapeJob) error {
	if job.Status == "" {
		job.Status = models.JobWaiting
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO scrape_jobs (
			id, correlation_id, seller_id, seller_name, mode, status, priority,
			start_page, end_page, full_site_crawl, source_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.CorrelationID, job.SellerID, job.SellerName, string(job.Mode),
		string(job.Status), job.Priority, job.StartPage, job.EndPage,
		job.FullSiteCrawl, job.SourceCount, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scrape job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.ScrapeJob, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scrape job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scrape job %s: %w", id, err)
	}
	return job, nil
}

func (s *JobStore) Status(ctx context.Context, id string) (models.JobStatus, error) {
	var status string
	err := s.db.pool.QueryRow(ctx, `SELECT status FROM scrape_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("scrape job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status of job %s: %w", id, err)
	}
	return models.JobStatus(status), nil
}

func (s *JobStore) List(ctx context.Context, f JobFilter) ([]models.ScrapeJob, error) {
	query, args := buildListQuery(f)
	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scrape jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scrape job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scrape jobs: %w", err)
	}
	return jobs, nil
}

func buildListQuery(f JobFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Mode != "" {
		add("mode = $%d", string(f.Mode))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}

	var b strings.Builder
	b.WriteString("SELECT " + jobColumns + " FROM scrape_jobs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return b.String(), args
}

// MarkWaiting records that the job reached the queue.
func (s *JobStore) MarkWaiting(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.JobWaiting, "")
}

// MarkActive records that a worker picked the job up for the given attempt.
func (s *JobStore) MarkActive(ctx context.Context, id string, attempt int, at time.Time) error {
	return s.transition(ctx, id, models.JobActive,
		"started_at = COALESCE(started_at, $3), attempts = $4, progress = 0",
		at, attempt)
}

// MarkDelayed records a failed attempt the queue will retry.
func (s *JobStore) MarkDelayed(ctx context.Context, id, message string, details json.RawMessage) error {
	return s.transition(ctx, id, models.JobDelayed,
		"error_message = $3, error_details = $4", message, nullJSON(details))
}

func (s *JobStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.JobCancelled, "completed_at = $3", time.Now().UTC())
}

func (s *JobStore) Finish(ctx context.Context, id string, o JobOutcome) error {
	if !o.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, o.Status)
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now().UTC()
	}
	return s.transition(ctx, id, o.Status, `
		seller_name = COALESCE(NULLIF($3, ''), seller_name),
		pages_crawled = $4, products_scraped = $5, products_saved = $6,
		products_updated = $7, errors = $8, duration_ms = $9, completed_at = $10,
		error_message = $11, error_details = $12,
		progress = CASE WHEN $13::bool THEN 100 ELSE progress END`,
		o.SellerName, o.PagesCrawled, o.ProductsScraped, o.ProductsSaved,
		o.ProductsUpdated, o.Errors, o.Duration.Milliseconds(), o.FinishedAt,
		o.ErrorMessage, nullJSON(o.ErrorDetails), o.Status == models.JobCompleted,
	)
}

// UpdateProgress only touches jobs that are still running.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := s.db.pool.Exec(ctx,
		`UPDATE scrape_jobs SET progress = GREATEST(progress, $2) WHERE id = $1 AND status = $3`,
		id, progress, string(models.JobActive))
	if err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", id, err)
	}
	return nil
}

// transition sets status to `to` plus the extra assignments in set, whose
// placeholders start at $3. The update only applies when the current status
// may legally move to `to`.
func (s *JobStore) transition(ctx context.Context, id string, to models.JobStatus, set string, args ...any) error {
	if set != "" {
		set = ", " + set
	}
	query := fmt.Sprintf(
		`UPDATE scrape_jobs SET status = $1%s WHERE id = $2 AND status = ANY($%d)`,
		set, len(args)+3)

	params := append([]any{string(to), id}, args...)
	params = append(params, models.StatusesBefore(to))

	tag, err := s.db.pool.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to move job %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, current, to, id)
}

func scanJob(row pgx.Row) (*models.ScrapeJob, error) {
	var (
		job     models.ScrapeJob
		mode    string
		status  string
		details []byte
	)
	err := row.Scan(
		&job.ID, &job.CorrelationID, &job.SellerID, &job.SellerName, &mode, &status,
		&job.Priority, &job.StartPage, &job.EndPage, &job.FullSiteCrawl, &job.SourceCount,
		&job.PagesCrawled, &job.ProductsScraped, &job.ProductsSaved, &job.ProductsUpdated,
		&job.Errors, &job.Progress, &job.Attempts, &job.DurationMS, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.ErrorMessage, &details,
	)
	if err != nil {
		return nil, err
	}
	job.Mode = models.Mode(mode)
	job.Status = models.JobStatus(status)
	if len(details) > 0 {
		job.ErrorDetails = json.RawMessage(details)
	}
	return &job, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
