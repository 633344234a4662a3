package adapters

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/parser"
)

// ErrNoProducts is returned when a listing page contains no product cards.
var ErrNoProducts = errors.New("no products found on page")

// Selectors are CSS selectors evaluated relative to a product card, except
// ProductCard, NextPage and PageLinks which apply to the whole document.
type Selectors struct {
	ProductCard string
	Link        string
	Name        string
	Image       string
	StrainType  string
	SeedType    string
	THC         string
	CBD         string
	Rating      string
	ReviewCount string

	// PackOption matches one element per pack size. Size and price are read
	// from the named attributes when set, otherwise from the element text.
	PackOption    string
	PackSizeAttr  string
	PackPriceAttr string

	NextPage  string
	PageLinks string
}

// SiteConfig describes one seller site. PageParam selects query-string
// pagination (?PageParam=N); when empty, pages live under /page/N/.
type SiteConfig struct {
	Name      string
	PageParam string
	Browser   bool
	Selectors Selectors
}

type SelectorAdapter struct {
	site   SiteConfig
	parser parser.Parser
	now    func() time.Time
}

var _ Adapter = (*SelectorAdapter)(nil)

func NewSelectorAdapter(site SiteConfig) *SelectorAdapter {
	return &SelectorAdapter{
		site:   site,
		parser: parser.NewSeedParser(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *SelectorAdapter) Name() string { return a.site.Name }

func (a *SelectorAdapter) RequiresBrowser() bool { return a.site.Browser }

var pagePathSuffix = regexp.MustCompile(`/page/\d+/?$`)

// BuildPageURL returns baseURL itself for page 1.
func (a *SelectorAdapter) BuildPageURL(baseURL string, page int) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}

	if a.site.PageParam != "" {
		q := u.Query()
		if page <= 1 {
			q.Del(a.site.PageParam)
		} else {
			q.Set(a.site.PageParam, strconv.Itoa(page))
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	p := pagePathSuffix.ReplaceAllString(u.Path, "")
	p = strings.TrimRight(p, "/")
	if page <= 1 {
		u.Path = p + "/"
	} else {
		u.Path = fmt.Sprintf("%s/page/%d/", p, page)
	}
	return u.String()
}

func (a *SelectorAdapter) Extract(body []byte, pageURL string) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	sel := a.site.Selectors
	cards := doc.Find(sel.ProductCard)
	if cards.Length() == 0 {
		return Extraction{}, fmt.Errorf("%s: %w (selector %q)", a.site.Name, ErrNoProducts, sel.ProductCard)
	}

	var ex Extraction
	seen := make(map[string]struct{})
	scrapedAt := a.now()

	cards.Each(func(_ int, card *goquery.Selection) {
		product, ok := a.extractCard(card, pageURL)
		if !ok {
			return
		}
		if _, dup := seen[product.URL]; dup {
			return
		}
		seen[product.URL] = struct{}{}
		product.ScrapedAt = scrapedAt
		ex.Products = append(ex.Products, product)
	})

	if sel.NextPage != "" {
		if href, ok := doc.Find(sel.NextPage).First().Attr("href"); ok {
			ex.NextPageURL = parser.ResolveURL(pageURL, href)
		}
	}
	if sel.PageLinks != "" {
		ex.TotalPages = maxPageNumber(doc.Find(sel.PageLinks))
	}

	return ex, nil
}

func (a *SelectorAdapter) extractCard(card *goquery.Selection, pageURL string) (models.CrawledProduct, bool) {
	sel := a.site.Selectors

	link := card.Find(sel.Link).First()
	href, _ := link.Attr("href")
	productURL := parser.ResolveURL(pageURL, href)
	if productURL == "" {
		return models.CrawledProduct{}, false
	}

	name := parser.CleanText(link.Text())
	if sel.Name != "" {
		if n := parser.CleanText(card.Find(sel.Name).First().Text()); n != "" {
			name = n
		}
	}

	product := models.CrawledProduct{
		Name:         name,
		URL:          productURL,
		Slug:         parser.Slugify(name),
		ImageURL:     imageURL(card.Find(sel.Image).First(), pageURL),
		CannabisType: a.text(card, sel.StrainType),
		SeedType:     a.text(card, sel.SeedType),
		Source:       a.site.Name,
	}

	if t := a.text(card, sel.THC); t != "" {
		product.THC = a.parser.ExtractRange(t)
	}
	if t := a.text(card, sel.CBD); t != "" {
		product.CBD = a.parser.ExtractRange(t)
	}
	if t := a.text(card, sel.Rating); t != "" {
		if v, err := a.parser.ExtractPrice(t); err == nil {
			product.Rating = &v
		}
	}
	if n, ok := a.reviewCount(card); ok {
		product.ReviewCount = &n
	}

	product.Pricings = a.pricings(card)

	if problems := product.Validate(); len(problems) > 0 {
		return models.CrawledProduct{}, false
	}
	return product, true
}

func (a *SelectorAdapter) text(card *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return parser.CleanText(card.Find(selector).First().Text())
}

var reviewsInLabel = regexp.MustCompile(`(?i)based on\s+(\d+)`)

func (a *SelectorAdapter) reviewCount(card *goquery.Selection) (int, bool) {
	sel := a.site.Selectors
	if sel.ReviewCount == "" {
		return 0, false
	}
	el := card.Find(sel.ReviewCount).First()
	if label, ok := el.Attr("aria-label"); ok {
		if m := reviewsInLabel.FindStringSubmatch(label); len(m) == 2 {
			n, err := strconv.Atoi(m[1])
			return n, err == nil
		}
	}
	v, err := a.parser.ExtractPrice(el.Text())
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func (a *SelectorAdapter) pricings(card *goquery.Selection) []models.PackPrice {
	sel := a.site.Selectors
	if sel.PackOption == "" {
		return nil
	}

	var pricings []models.PackPrice
	sizes := make(map[int]struct{})

	card.Find(sel.PackOption).Each(func(_ int, opt *goquery.Selection) {
		text := parser.CleanText(opt.Text())

		sizeText := text
		if sel.PackSizeAttr != "" {
			if v, ok := opt.Attr(sel.PackSizeAttr); ok {
				sizeText = v
			}
		}
		size, ok := a.parser.ExtractPackSize(sizeText)
		if !ok {
			return
		}

		priceText := amountPart(text)
		if sel.PackPriceAttr != "" {
			if v, ok := opt.Attr(sel.PackPriceAttr); ok {
				priceText = v
			}
		}
		price, err := a.parser.ExtractPrice(priceText)
		if err != nil {
			return
		}

		pp := models.NewPackPrice(size, price)
		if _, dup := sizes[size]; dup || !pp.IsValid() {
			return
		}
		sizes[size] = struct{}{}
		pricings = append(pricings, pp)
	})

	return pricings
}

// amountPart drops everything before the last currency symbol so that
// "10 Seeds - $89.00" parses as 89.00 rather than 10.
func amountPart(s string) string {
	if i := strings.LastIndexAny(s, "$€£"); i >= 0 {
		return s[i:]
	}
	return s
}

func imageURL(img *goquery.Selection, pageURL string) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "src"} {
		if v, ok := img.Attr(attr); ok {
			if resolved := parser.ResolveURL(pageURL, v); resolved != "" {
				return resolved
			}
		}
	}
	return ""
}

func maxPageNumber(links *goquery.Selection) int {
	maxPage := 0
	links.Each(func(_ int, s *goquery.Selection) {
		candidates := []string{s.Text()}
		if v, ok := s.Attr("data-value"); ok {
			candidates = append(candidates, v)
		}
		for _, c := range candidates {
			if n, err := strconv.Atoi(strings.TrimSpace(c)); err == nil && n > maxPage {
				maxPage = n
			}
		}
	})
	return maxPage
}
