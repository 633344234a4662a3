package database

import (
	"context"
	"fmt"

	"github.com/maltedev/seed-scraper/internal/models"
)

// PriceRepository answers the read side of price-drop detection.
type PriceRepository struct {
	db *DB
}

func NewPriceRepository(db *DB) *PriceRepository {
	return &PriceRepository{db: db}
}

// StoredPrices returns the pack pricings of the given products of a seller.
func (r *PriceRepository) StoredPrices(ctx context.Context, sellerID string, slugs []string) ([]models.StoredPrice, error) {
	if len(slugs) == 0 {
		return nil, nil
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT p.id::text, p.name, p.slug, p.url, p.image_url,
		       pp.pack_size, pp.total_price::float8, pp.previous_price::float8
		FROM products p
		JOIN product_pricings pp ON pp.product_id = p.id
		WHERE p.seller_id = $1 AND p.slug = ANY($2)
		ORDER BY p.slug, pp.pack_size`, sellerID, slugs)
	if err != nil {
		return nil, fmt.Errorf("failed to query stored prices: %w", err)
	}
	defer rows.Close()

	var prices []models.StoredPrice
	for rows.Next() {
		var sp models.StoredPrice
		if err := rows.Scan(&sp.ProductID, &sp.ProductName, &sp.ProductSlug, &sp.ProductURL,
			&sp.ProductImage, &sp.PackSize, &sp.CurrentPrice, &sp.PreviousPrice); err != nil {
			return nil, fmt.Errorf("failed to scan stored price: %w", err)
		}
		prices = append(prices, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stored prices: %w", err)
	}
	return prices, nil
}

// AlertRecipients returns the opted-in users tracking any of productIDs,
// each with the subset of productIDs they track.
func (r *PriceRepository) AlertRecipients(ctx context.Context, productIDs []string) ([]models.AlertRecipient, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT u.id, u.email, u.name, array_agg(f.product_id::text ORDER BY f.product_id)
		FROM user_favorites f
		JOIN users u ON u.id = f.user_id
		WHERE f.product_id = ANY($1::uuid[]) AND u.receive_price_alerts
		GROUP BY u.id, u.email, u.name
		ORDER BY u.id`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.AlertRecipient
	for rows.Next() {
		var rc models.AlertRecipient
		if err := rows.Scan(&rc.UserID, &rc.Email, &rc.Name, &rc.ProductIDs); err != nil {
			return nil, fmt.Errorf("failed to scan alert recipient: %w", err)
		}
		recipients = append(recipients, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert recipients: %w", err)
	}
	return recipients, nil
}
