package crawl

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisallowed    = errors.New("url disallowed by robots.txt")
	ErrNoPages       = errors.New("no page could be fetched")
	ErrInvalidSource = errors.New("invalid scraping source")
	errSkipPage      = errors.New("page skipped")
)

// RetryableError means the same URL may succeed if fetched again after
// BackoffHint.
type RetryableError struct {
	URL         string
	Status      int
	BackoffHint time.Duration
	Err         error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable fetch error for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("retryable fetch error for %s: status %d", e.URL, e.Status)
}

func (e *RetryableError) Unwrap() error { return e.Err }

func (e *RetryableError) StatusCode() int { return e.Status }

// FatalError means retrying the URL is pointless.
type FatalError struct {
	URL    string
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch failed for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch failed for %s: status %d", e.URL, e.Status)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) StatusCode() int { return e.Status }

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
