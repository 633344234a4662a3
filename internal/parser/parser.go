package parser

import (
	"github.com/maltedev/seed-scraper/internal/models"
)

// Parser turns the free-text fragments found on product cards into typed values.
type Parser interface {
	ExtractPrice(text string) (float64, error)
	ExtractRange(text string) *models.Range
	ExtractPackSize(text string) (int, bool)
}
