package models

import (
	"math"
	"time"
)

// Range is an inclusive lower/upper bound, used for THC and CBD content.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PackPrice is the price of one pack size of a product.
type PackPrice struct {
	PackSize     int     `json:"pack_size"`
	TotalPrice   float64 `json:"total_price"`
	PricePerSeed float64 `json:"price_per_seed"`
}

// CrawledProduct is a provisional product record produced by a source adapter.
// It is not persisted as-is; the catalog upserts it by (seller, slug).
type CrawledProduct struct {
	Name         string      `json:"name"`
	URL          string      `json:"url"`
	Slug         string      `json:"slug"`
	ImageURL     string      `json:"image_url,omitempty"`
	CannabisType string      `json:"cannabis_type,omitempty"`
	SeedType     string      `json:"seed_type,omitempty"`
	THC          *Range      `json:"thc,omitempty"`
	CBD          *Range      `json:"cbd,omitempty"`
	Rating       *float64    `json:"rating,omitempty"`
	ReviewCount  *int        `json:"review_count,omitempty"`
	Pricings     []PackPrice `json:"pricings"`
	Source       string      `json:"source,omitempty"`
	ScrapedAt    time.Time   `json:"scraped_at"`
}

// Seller is a third-party shop whose catalog is scraped.
type Seller struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Website      string           `json:"website"`
	AffiliateTag string           `json:"affiliate_tag,omitempty"`
	IsActive     bool             `json:"is_active"`
	Sources      []ScrapingSource `json:"sources"`
}

// ScrapingSource is one crawlable entry point of a seller.
type ScrapingSource struct {
	ID          string `json:"id"`
	SellerID    string `json:"seller_id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	AdapterName string `json:"adapter_name"`
	MaxPage     int    `json:"max_page"`
}

// NewPackPrice derives the per-seed price, rounded to cents.
func NewPackPrice(packSize int, total float64) PackPrice {
	p := PackPrice{PackSize: packSize, TotalPrice: total}
	if packSize > 0 {
		p.PricePerSeed = math.Round(total/float64(packSize)*100) / 100
	}
	return p
}

func (p *PackPrice) IsValid() bool {
	return p.PackSize > 0 && p.TotalPrice > 0
}

// Validate returns a list of problems; an empty list means the record can be saved.
func (p *CrawledProduct) Validate() []string {
	var errors []string

	if p.Name == "" {
		errors = append(errors, "name is required")
	}

	if p.Slug == "" {
		errors = append(errors, "slug is required")
	}

	if p.URL == "" {
		errors = append(errors, "url is required")
	}

	for _, pricing := range p.Pricings {
		if !pricing.IsValid() {
			errors = append(errors, "invalid pack pricing")
			break
		}
	}

	return errors
}

// Pricing returns the pricing for a pack size, if the product offers it.
func (p *CrawledProduct) Pricing(packSize int) (PackPrice, bool) {
	for _, pricing := range p.Pricings {
		if pricing.PackSize == packSize {
			return pricing, true
		}
	}
	return PackPrice{}, false
}

// Mode selects how a scrape job decides where to stop paginating.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
	ModeTest   Mode = "test"
	ModeBatch  Mode = "batch"
)

func (m Mode) IsValid() bool {
	switch m {
	case ModeManual, ModeAuto, ModeTest, ModeBatch:
		return true
	}
	return false
}
