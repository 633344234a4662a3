// Package errclass maps raw scraping failures onto a fixed taxonomy with a
// severity and an operator-facing recommendation. Classification is pure:
// the same error and context always produce the same result.
package errclass

import (
	"context"
	"errors"
	"net"
	"strings"
)

type Type string

const (
	TypeSiteChanged Type = "SITE_CHANGED"
	TypeTimeout     Type = "TIMEOUT"
	TypeNetwork     Type = "NETWORK"
	TypeParse       Type = "PARSE"
	TypeSave        Type = "SAVE"
	TypeAuth        Type = "AUTH"
	TypeWorker      Type = "WORKER"
	TypeUnknown     Type = "UNKNOWN"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

const (
	highConfidence    = 0.9
	defaultConfidence = 0.6
	unknownConfidence = 0.3

	// siteChangedFrequency is how many repeated parse failures it takes
	// before they are attributed to a site redesign.
	siteChangedFrequency = 2
	alertFrequency       = 3
)

// Recommendation is what an operator should do about a failure.
// AutoRetryable is the only field the rest of the system acts on.
type Recommendation struct {
	Action           string `json:"action"`
	Description      string `json:"description"`
	AutoRetryable    bool   `json:"auto_retryable"`
	EstimatedFixTime string `json:"estimated_fix_time,omitempty"`
}

type Classification struct {
	Type           Type           `json:"error_type"`
	Severity       Severity       `json:"severity"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	Message        string         `json:"message"`
}

// Context describes where an error happened. Frequency is the number of
// times the same failure has been seen for the same source.
type Context struct {
	JobID      string
	SourceName string
	Origin     string
	Frequency  int
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

type pattern struct {
	needle string
	strong bool
}

var patterns = []struct {
	typ      Type
	patterns []pattern
}{
	{TypeTimeout, []pattern{
		{"deadline exceeded", true}, {"timed out", true}, {"timeout", true}, {"etimedout", true},
	}},
	{TypeNetwork, []pattern{
		{"connection refused", true}, {"connection reset", true}, {"no such host", true},
		{"econnrefused", true}, {"econnreset", true}, {"enotfound", true},
		{"dial tcp", false}, {"tls handshake", false}, {"unexpected eof", false},
		{"broken pipe", false}, {"server error", false}, {"rate limited", false}, {"network", false},
	}},
	{TypeParse, []pattern{
		{"selector", true}, {"no products found", true}, {"unexpected token", true},
		{"parse", false}, {"unmarshal", false}, {"extract", false}, {"invalid html", false},
	}},
	{TypeSave, []pattern{
		{"duplicate key", true}, {"violates", true}, {"deadlock", true},
		{"database", false}, {"constraint", false}, {"transaction", false}, {"upsert", false}, {"sql", false},
	}},
	{TypeAuth, []pattern{
		{"unauthorized", true}, {"forbidden", true}, {"access denied", true},
		{"authentication", false}, {"captcha", false}, {"401", false}, {"403", false},
	}},
	{TypeWorker, []pattern{
		{"out of memory", true}, {"panic", true}, {"memory limit", true},
		{"worker", false}, {"stalled", false}, {"heap", false}, {"queue", false},
	}},
}

var recommendations = map[Type]struct {
	severity Severity
	rec      Recommendation
}{
	TypeNetwork: {SeverityMedium, Recommendation{
		Action:           "Check network connectivity and retry",
		Description:      "The site could not be reached or answered with a server error.",
		AutoRetryable:    true,
		EstimatedFixTime: "5-10 minutes",
	}},
	TypeParse: {SeverityHigh, Recommendation{
		Action:           "Review the source adapter selectors",
		Description:      "The page was fetched but products could not be extracted from it.",
		EstimatedFixTime: "1-2 hours",
	}},
	TypeSave: {SeverityHigh, Recommendation{
		Action:           "Check database health and constraints",
		Description:      "Scraped products could not be written to the catalog.",
		AutoRetryable:    true,
		EstimatedFixTime: "10-30 minutes",
	}},
	TypeTimeout: {SeverityMedium, Recommendation{
		Action:           "Retry later or raise the request timeout",
		Description:      "The site took too long to respond.",
		AutoRetryable:    true,
		EstimatedFixTime: "5-15 minutes",
	}},
	TypeSiteChanged: {SeverityCritical, Recommendation{
		Action:           "Update the source adapter for the new site layout",
		Description:      "Extraction keeps failing on this source, which usually means the site was redesigned.",
		EstimatedFixTime: "2-4 hours",
	}},
	TypeAuth: {SeverityHigh, Recommendation{
		Action:           "Verify the site still allows anonymous crawling",
		Description:      "The site refused access to the crawler.",
		EstimatedFixTime: "30-60 minutes",
	}},
	TypeWorker: {SeverityCritical, Recommendation{
		Action:           "Inspect worker logs and restart the worker",
		Description:      "The job failed inside the worker itself rather than on the target site.",
		AutoRetryable:    true,
		EstimatedFixTime: "15-30 minutes",
	}},
	TypeUnknown: {SeverityUnknown, Recommendation{
		Action:      "Investigate the raw error message",
		Description: "The failure did not match any known category.",
	}},
}

// Classify maps err onto the taxonomy. A nil error classifies as UNKNOWN.
func Classify(err error, c Context) Classification {
	if err == nil {
		return build(TypeUnknown, unknownConfidence, "")
	}
	msg := err.Error()

	if typ, ok := classifyTyped(err); ok {
		return build(typ, highConfidence, msg)
	}

	lower := strings.ToLower(msg)
	for _, group := range patterns {
		strong, matched := match(lower, group.patterns)
		if !matched {
			continue
		}
		confidence := defaultConfidence
		if strong {
			confidence = highConfidence
		}
		if group.typ == TypeParse && c.Frequency > siteChangedFrequency {
			return build(TypeSiteChanged, confidence, msg)
		}
		return build(group.typ, confidence, msg)
	}

	return build(TypeUnknown, unknownConfidence, msg)
}

// ShouldAlert reports whether a failure deserves an operator alert.
func ShouldAlert(c Classification, frequency int) bool {
	return c.Severity == SeverityCritical || frequency >= alertFrequency
}

func classifyTyped(err error) (Type, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TypeTimeout, true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch code := sc.StatusCode(); {
		case code == 401 || code == 403:
			return TypeAuth, true
		case code == 408 || code == 504:
			return TypeTimeout, true
		case code == 429 || code >= 500:
			return TypeNetwork, true
		}
	}

	return "", false
}

func match(msg string, ps []pattern) (strong, matched bool) {
	for _, p := range ps {
		if strings.Contains(msg, p.needle) {
			if p.strong {
				return true, true
			}
			matched = true
		}
	}
	return false, matched
}

func build(typ Type, confidence float64, msg string) Classification {
	r := recommendations[typ]
	return Classification{
		Type:           typ,
		Severity:       r.severity,
		Confidence:     confidence,
		Recommendation: r.rec,
		Message:        msg,
	}
}
