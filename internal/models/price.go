package models

import "time"

// StoredPrice is the persisted pricing of one pack size. PreviousPrice is
// the price that was current before the most recent scrape overwrote it.
type StoredPrice struct {
	ProductID     string   `json:"product_id"`
	ProductName   string   `json:"product_name"`
	ProductSlug   string   `json:"product_slug"`
	ProductURL    string   `json:"product_url"`
	ProductImage  string   `json:"product_image,omitempty"`
	PackSize      int      `json:"pack_size"`
	CurrentPrice  float64  `json:"current_price"`
	PreviousPrice *float64 `json:"previous_price,omitempty"`
}

// PriceBaseline is the price a save replaced for one pack size. It travels
// with the detect job so a later scrape cannot move the comparison point.
type PriceBaseline struct {
	Slug     string  `json:"slug"`
	PackSize int     `json:"pack_size"`
	Price    float64 `json:"price"`
}

// AlertRecipient is a user who opted into price alerts and tracks at least
// one of the products in question.
type AlertRecipient struct {
	UserID     string   `json:"user_id"`
	Email      string   `json:"email"`
	Name       string   `json:"name,omitempty"`
	ProductIDs []string `json:"product_ids"`
}

// PriceChange describes a price drop on one pack size of one product.
// PriceChange and PercentChange are negative for drops.
type PriceChange struct {
	ProductID     string    `json:"product_id"`
	ProductName   string    `json:"product_name"`
	ProductSlug   string    `json:"product_slug"`
	ProductImage  string    `json:"product_image,omitempty"`
	ProductURL    string    `json:"product_url"`
	SellerID      string    `json:"seller_id"`
	SellerName    string    `json:"seller_name"`
	SellerWebsite string    `json:"seller_website,omitempty"`
	AffiliateTag  string    `json:"affiliate_tag,omitempty"`
	PackSize      int       `json:"pack_size"`
	OldPrice      float64   `json:"old_price"`
	NewPrice      float64   `json:"new_price"`
	PriceChange   float64   `json:"price_change"`
	PercentChange float64   `json:"percent_change"`
	Currency      string    `json:"currency"`
	DetectedAt    time.Time `json:"detected_at"`
}
