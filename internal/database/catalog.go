package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/seed-scraper/internal/models"
)

// CatalogRepository reads seller configuration and upserts scraped products.
type CatalogRepository struct {
	db *DB
}

func NewCatalogRepository(db *DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// ProductSaveError is one product that could not be written. It does not
// abort the rest of the batch.
type ProductSaveError struct {
	Slug string
	Err  error
}

func (e ProductSaveError) Error() string {
	return fmt.Sprintf("save product %s: %v", e.Slug, e.Err)
}

func (e ProductSaveError) Unwrap() error { return e.Err }

// SaveResult counts the outcome of a batch. Baselines holds the prices the
// batch replaced, one per pack size that already had a stored price.
type SaveResult struct {
	Saved     int
	Updated   int
	Failed    []ProductSaveError
	Baselines []models.PriceBaseline
}

// GetSeller returns the seller with its scraping sources in configured order.
func (r *CatalogRepository) GetSeller(ctx context.Context, id string) (*models.Seller, error) {
	var s models.Seller
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, name, website, affiliate_tag, is_active
		FROM sellers WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.Website, &s.AffiliateTag, &s.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("seller %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seller %s: %w", id, err)
	}

	sources, err := r.sources(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Sources = sources
	return &s, nil
}

func (r *CatalogRepository) sources(ctx context.Context, sellerID string) ([]models.ScrapingSource, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, seller_id, name, url, adapter_name, max_page
		FROM scraping_sources
		WHERE seller_id = $1
		ORDER BY position, id`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources of seller %s: %w", sellerID, err)
	}
	defer rows.Close()

	var sources []models.ScrapingSource
	for rows.Next() {
		var src models.ScrapingSource
		if err := rows.Scan(&src.ID, &src.SellerID, &src.Name, &src.URL, &src.AdapterName, &src.MaxPage); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ActiveSellerIDs lists sellers eligible for scheduled scrapes.
func (r *CatalogRepository) ActiveSellerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT s.id FROM sellers s
		WHERE s.is_active AND EXISTS (SELECT 1 FROM scraping_sources ss WHERE ss.seller_id = s.id)
		ORDER BY s.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sellers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan seller id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveProducts upserts products by (seller, slug) in one transaction. Each
// product runs in its own savepoint so a bad row is reported in
// SaveResult.Failed instead of aborting the batch. The returned error is
// only set when the transaction itself cannot be opened or committed.
func (r *CatalogRepository) SaveProducts(ctx context.Context, sellerID string, products []models.CrawledProduct) (SaveResult, error) {
	var res SaveResult

	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		res = SaveResult{}
		for i := range products {
			p := &products[i]
			if problems := p.Validate(); len(problems) > 0 {
				res.Failed = append(res.Failed, ProductSaveError{Slug: p.Slug, Err: fmt.Errorf("invalid product: %v", problems)})
				continue
			}

			var (
				inserted  bool
				baselines []models.PriceBaseline
			)
			err := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
				var err error
				inserted, baselines, err = upsertProduct(ctx, sp, sellerID, p)
				return err
			})
			if err != nil {
				res.Failed = append(res.Failed, ProductSaveError{Slug: p.Slug, Err: err})
				continue
			}
			if inserted {
				res.Saved++
			} else {
				res.Updated++
			}
			res.Baselines = append(res.Baselines, baselines...)
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to save products for seller %s: %w", sellerID, err)
	}
	return res, nil
}

func upsertProduct(ctx context.Context, tx pgx.Tx, sellerID string, p *models.CrawledProduct) (bool, []models.PriceBaseline, error) {
	var (
		productID string
		inserted  bool
	)
	err := tx.QueryRow(ctx, `
		INSERT INTO products (
			seller_id, slug, name, url, image_url, cannabis_type, seed_type,
			thc_min, thc_max, cbd_min, cbd_max, rating, review_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (seller_id, slug) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), products.image_url),
			cannabis_type = COALESCE(NULLIF(EXCLUDED.cannabis_type, ''), products.cannabis_type),
			seed_type = COALESCE(NULLIF(EXCLUDED.seed_type, ''), products.seed_type),
			thc_min = COALESCE(EXCLUDED.thc_min, products.thc_min),
			thc_max = COALESCE(EXCLUDED.thc_max, products.thc_max),
			cbd_min = COALESCE(EXCLUDED.cbd_min, products.cbd_min),
			cbd_max = COALESCE(EXCLUDED.cbd_max, products.cbd_max),
			rating = COALESCE(EXCLUDED.rating, products.rating),
			review_count = COALESCE(EXCLUDED.review_count, products.review_count),
			updated_at = NOW()
		RETURNING id::text, (xmax = 0)`,
		sellerID, p.Slug, p.Name, p.URL, p.ImageURL, p.CannabisType, p.SeedType,
		rangeMin(p.THC), rangeMax(p.THC), rangeMin(p.CBD), rangeMax(p.CBD),
		p.Rating, p.ReviewCount,
	).Scan(&productID, &inserted)
	if err != nil {
		return false, nil, fmt.Errorf("upsert product: %w", err)
	}

	var baselines []models.PriceBaseline
	for _, pricing := range p.Pricings {
		previous, err := upsertPricing(ctx, tx, productID, pricing)
		if err != nil {
			return false, nil, err
		}
		if previous != nil {
			baselines = append(baselines, models.PriceBaseline{Slug: p.Slug, PackSize: pricing.PackSize, Price: *previous})
		}
	}
	return inserted, baselines, nil
}

// upsertPricing stores the new price and keeps the one it replaced in
// previous_price, which it returns. A history row is appended whenever the
// price moves.
func upsertPricing(ctx context.Context, tx pgx.Tx, productID string, pricing models.PackPrice) (*float64, error) {
	var previous *float64
	err := tx.QueryRow(ctx, `
		INSERT INTO product_pricings (product_id, pack_size, total_price, price_per_seed)
		VALUES ($1::uuid, $2, $3, $4)
		ON CONFLICT (product_id, pack_size) DO UPDATE SET
			previous_price = product_pricings.total_price,
			total_price = EXCLUDED.total_price,
			price_per_seed = EXCLUDED.price_per_seed,
			updated_at = NOW()
		RETURNING previous_price::float8`,
		productID, pricing.PackSize, pricing.TotalPrice, pricing.PricePerSeed,
	).Scan(&previous)
	if err != nil {
		return nil, fmt.Errorf("upsert pricing for pack %d: %w", pricing.PackSize, err)
	}

	if previous != nil && *previous == pricing.TotalPrice {
		return previous, nil
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO price_history (product_id, pack_size, total_price)
		VALUES ($1::uuid, $2, $3)`,
		productID, pricing.PackSize, pricing.TotalPrice)
	if err != nil {
		return nil, fmt.Errorf("record price history for pack %d: %w", pricing.PackSize, err)
	}
	return previous, nil
}

func rangeMin(r *models.Range) *float64 {
	if r == nil {
		return nil
	}
	return &r.Min
}

func rangeMax(r *models.Range) *float64 {
	if r == nil {
		return nil
	}
	return &r.Max
}
