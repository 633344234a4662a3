package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobCreated   JobStatus = "CREATED"
	JobWaiting   JobStatus = "WAITING"
	JobActive    JobStatus = "ACTIVE"
	JobDelayed   JobStatus = "DELAYED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

var jobStatusRank = map[JobStatus]int{
	JobCreated:   0,
	JobWaiting:   1,
	JobActive:    2,
	JobDelayed:   2, // a retry between attempts sits beside ACTIVE
	JobCompleted: 3,
	JobFailed:    3,
	JobCancelled: 3,
}

func (s JobStatus) IsValid() bool {
	_, ok := jobStatusRank[s]
	return ok
}

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic. Terminal statuses never change.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	from, ok := jobStatusRank[s]
	if !ok || s.IsTerminal() {
		return false
	}
	to, ok := jobStatusRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// StatusesBefore lists every status that may legally move to next.
func StatusesBefore(next JobStatus) []string {
	var out []string
	for _, s := range []JobStatus{JobCreated, JobWaiting, JobActive, JobDelayed} {
		if s.CanTransitionTo(next) {
			out = append(out, string(s))
		}
	}
	return out
}

// ScrapeJob is the persisted record of one attempt to refresh a seller's
// catalog.
type ScrapeJob struct {
	ID              string          `json:"id"`
	CorrelationID   string          `json:"correlation_id"`
	SellerID        string          `json:"seller_id"`
	SellerName      string          `json:"seller_name,omitempty"`
	Mode            Mode            `json:"mode"`
	Status          JobStatus       `json:"status"`
	Priority        int             `json:"priority"`
	StartPage       int             `json:"start_page,omitempty"`
	EndPage         int             `json:"end_page,omitempty"`
	FullSiteCrawl   bool            `json:"full_site_crawl"`
	SourceCount     int             `json:"source_count"`
	PagesCrawled    int             `json:"pages_crawled"`
	ProductsScraped int             `json:"products_scraped"`
	ProductsSaved   int             `json:"products_saved"`
	ProductsUpdated int             `json:"products_updated"`
	Errors          int             `json:"errors"`
	Progress        int             `json:"progress"`
	Attempts        int             `json:"attempts"`
	DurationMS      int64           `json:"duration_ms"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorDetails    json.RawMessage `json:"error_details,omitempty"`
}
