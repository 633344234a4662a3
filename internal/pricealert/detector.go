// Package pricealert turns scraped prices into per-user price drop alerts.
// A detect job compares a scrape against stored prices and fans out one
// notify job per user tracking an affected product.
package pricealert

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/maltedev/seed-scraper/internal/models"
)

const (
	JobTypeDetect = "detect-price-changes"
	JobTypeNotify = "send-price-alert"

	DefaultThreshold = 0.05
	Currency         = "CAD"
)

// DetectPayload carries the products of one completed scrape. Baselines are
// the prices that scrape replaced; when present they take precedence over
// the stored previous_price, which a newer scrape may already have moved.
type DetectPayload struct {
	JobID     string                  `json:"job_id"`
	SellerID  string                  `json:"seller_id"`
	Products  []models.CrawledProduct `json:"products"`
	Baselines []models.PriceBaseline  `json:"baselines,omitempty"`
}

// DetectJobID keys the detect job on the scrape that produced it so a
// redelivered scrape does not detect twice.
func DetectJobID(scrapeJobID string) string {
	return "detect:" + scrapeJobID
}

type PriceStore interface {
	StoredPrices(ctx context.Context, sellerID string, slugs []string) ([]models.StoredPrice, error)
	AlertRecipients(ctx context.Context, productIDs []string) ([]models.AlertRecipient, error)
}

type SellerLookup interface {
	GetSeller(ctx context.Context, id string) (*models.Seller, error)
}

// Detector finds price drops. It only reads, so running it twice on the same
// input and stored state yields the same changes.
type Detector struct {
	prices    PriceStore
	sellers   SellerLookup
	threshold float64
	now       func() time.Time
}

func NewDetector(prices PriceStore, sellers SellerLookup, threshold float64) *Detector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Detector{prices: prices, sellers: sellers, threshold: threshold, now: time.Now}
}

type priceKey struct {
	slug     string
	packSize int
}

// Detect compares each scraped pack price with the price it replaced and
// keeps drops of at least the threshold, ordered by product and pack size.
func (d *Detector) Detect(ctx context.Context, p DetectPayload) ([]models.PriceChange, error) {
	if len(p.Products) == 0 {
		return nil, nil
	}

	slugs := make([]string, 0, len(p.Products))
	for _, product := range p.Products {
		slugs = append(slugs, product.Slug)
	}
	stored, err := d.prices.StoredPrices(ctx, p.SellerID, slugs)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored prices: %w", err)
	}
	if len(stored) == 0 {
		return nil, nil
	}
	byKey := make(map[priceKey]models.StoredPrice, len(stored))
	for _, s := range stored {
		byKey[priceKey{s.ProductSlug, s.PackSize}] = s
	}

	seller, err := d.sellers.GetSeller(ctx, p.SellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seller: %w", err)
	}

	oldPrice := func(s models.StoredPrice) (float64, bool) {
		if s.PreviousPrice == nil {
			return 0, false
		}
		return *s.PreviousPrice, true
	}
	if p.Baselines != nil {
		baselines := make(map[priceKey]float64, len(p.Baselines))
		for _, b := range p.Baselines {
			baselines[priceKey{b.Slug, b.PackSize}] = b.Price
		}
		oldPrice = func(s models.StoredPrice) (float64, bool) {
			v, ok := baselines[priceKey{s.ProductSlug, s.PackSize}]
			return v, ok
		}
	}

	detectedAt := d.now().UTC()
	var changes []models.PriceChange
	for _, product := range p.Products {
		for _, pricing := range product.Pricings {
			s, ok := byKey[priceKey{product.Slug, pricing.PackSize}]
			if !ok {
				continue
			}
			old, ok := oldPrice(s)
			if !ok || !IsSignificantDrop(old, pricing.TotalPrice, d.threshold) {
				continue
			}
			changes = append(changes, newChange(s, seller, old, pricing.TotalPrice, detectedAt))
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].ProductSlug != changes[j].ProductSlug {
			return changes[i].ProductSlug < changes[j].ProductSlug
		}
		return changes[i].PackSize < changes[j].PackSize
	})
	return changes, nil
}

// IsSignificantDrop reports whether going from oldPrice to newPrice is a
// relative drop of at least threshold. Prices compare in whole cents and the
// threshold in basis points, so the test is exact integer arithmetic.
func IsSignificantDrop(oldPrice, newPrice, threshold float64) bool {
	oldCents := toCents(oldPrice)
	newCents := toCents(newPrice)
	if oldCents <= 0 || newCents >= oldCents {
		return false
	}
	thresholdBP := int64(math.Round(threshold * 10000))
	return (oldCents-newCents)*10000 >= thresholdBP*oldCents
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func newChange(s models.StoredPrice, seller *models.Seller, oldPrice, newPrice float64, at time.Time) models.PriceChange {
	diff := newPrice - oldPrice
	return models.PriceChange{
		ProductID:     s.ProductID,
		ProductName:   s.ProductName,
		ProductSlug:   s.ProductSlug,
		ProductImage:  s.ProductImage,
		ProductURL:    s.ProductURL,
		SellerID:      seller.ID,
		SellerName:    seller.Name,
		SellerWebsite: seller.Website,
		AffiliateTag:  seller.AffiliateTag,
		PackSize:      s.PackSize,
		OldPrice:      oldPrice,
		NewPrice:      newPrice,
		PriceChange:   roundCents(diff),
		PercentChange: math.Round(diff/oldPrice*10000) / 100,
		Currency:      Currency,
		DetectedAt:    at,
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Partition gives each recipient the changes to the products they track and
// nothing else. Recipients without a matching change are left out.
func Partition(changes []models.PriceChange, recipients []models.AlertRecipient) map[string][]models.PriceChange {
	out := make(map[string][]models.PriceChange)
	for _, r := range recipients {
		tracked := make(map[string]struct{}, len(r.ProductIDs))
		for _, id := range r.ProductIDs {
			tracked[id] = struct{}{}
		}
		for _, c := range changes {
			if _, ok := tracked[c.ProductID]; ok {
				out[r.UserID] = append(out[r.UserID], c)
			}
		}
	}
	return out
}

func productIDs(changes []models.PriceChange) []string {
	seen := make(map[string]struct{}, len(changes))
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		if _, ok := seen[c.ProductID]; ok {
			continue
		}
		seen[c.ProductID] = struct{}{}
		ids = append(ids, c.ProductID)
	}
	return ids
}
