package crawl

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// trackingParams do not change page content and are dropped from frontier keys.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"msclkid":      {},
}

type frontierEntry struct {
	URL  string
	Page int
}

// Frontier is the deduplicating FIFO of URLs still to fetch in one run.
// It is owned by a single run loop and is not safe for concurrent use.
type Frontier struct {
	queue []frontierEntry
	seen  map[string]struct{}
}

func NewFrontier() *Frontier {
	return &Frontier{seen: make(map[string]struct{})}
}

// Push adds rawURL unless an equivalent URL was already pushed.
func (f *Frontier) Push(rawURL string, page int) bool {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	f.queue = append(f.queue, frontierEntry{URL: rawURL, Page: page})
	return true
}

func (f *Frontier) Pop() (frontierEntry, bool) {
	if len(f.queue) == 0 {
		return frontierEntry{}, false
	}
	e := f.queue[0]
	f.queue = f.queue[1:]
	return e, true
}

func (f *Frontier) Len() int { return len(f.queue) }

// Release drops all state so a finished run holds no references.
func (f *Frontier) Release() {
	f.queue = nil
	f.seen = nil
}

// NormalizeURL produces the dedup key for a URL: lowercased scheme and host,
// no fragment, no tracking parameters, sorted query, no trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("normalize url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("normalize url: missing scheme or host in %q", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawQuery = cleanQuery(u.Query())

	if u.Path == "" || u.Path == "/" {
		u.Path = "/"
	} else {
		u.Path = strings.TrimRight(path.Clean(u.Path), "/")
	}

	return u.String(), nil
}

func cleanQuery(values url.Values) string {
	for key := range values {
		if _, ok := trackingParams[strings.ToLower(key)]; ok {
			values.Del(key)
		}
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
