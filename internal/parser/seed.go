package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/seed-scraper/internal/models"
)

type SeedParser struct {
	pricePatterns []*regexp.Regexp
	rangePatterns []*regexp.Regexp
	packPatterns  []*regexp.Regexp
}

var _ Parser = (*SeedParser)(nil)

func NewSeedParser() *SeedParser {
	return &SeedParser{
		pricePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(\d{1,3}(?:,\d{3})+(?:\.\d+)?)`),
			regexp.MustCompile(`(\d+(?:\.\d+)?)`),
		},
		rangePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%?\s*(?:-|–|to)\s*(\d+(?:\.\d+)?)\s*%?`),
			regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`),
		},
		packPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)pack\s+of\s+(\d+)`),
			regexp.MustCompile(`(?i)(\d+)\s*-?\s*(?:seeds?|pack|pk|x)\b`),
		},
	}
}

// ExtractPrice returns the first monetary amount in text. Commas are
// treated as thousands separators.
func (p *SeedParser) ExtractPrice(text string) (float64, error) {
	for _, pattern := range p.pricePatterns {
		m := pattern.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		return value, nil
	}
	return 0, fmt.Errorf("no price found in %q", text)
}

// ExtractRange parses "23-30%", "21.5% to 25%" or a single "18%". It returns
// nil for non-numeric labels such as "Low".
func (p *SeedParser) ExtractRange(text string) *models.Range {
	if m := p.rangePatterns[0].FindStringSubmatch(text); len(m) == 3 {
		lo, err1 := strconv.ParseFloat(m[1], 64)
		hi, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			if lo > hi {
				lo, hi = hi, lo
			}
			return &models.Range{Min: lo, Max: hi}
		}
	}
	if m := p.rangePatterns[1].FindStringSubmatch(text); len(m) == 2 {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return &models.Range{Min: v, Max: v}
		}
	}
	return nil
}

func (p *SeedParser) ExtractPackSize(text string) (int, bool) {
	for _, pattern := range p.packPatterns {
		m := pattern.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Slugify lowercases s and joins alphanumeric runs with dashes.
func Slugify(s string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func CleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// ResolveURL resolves href against base. Lazy-load placeholders
// (data: URIs) resolve to the empty string.
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "data:") {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}
