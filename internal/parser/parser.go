package parser

import (
	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

type Parser interface {
	ParseProductPage(html string, asin string) (*models.ProductRecord, []string, error)
	IsBlockPage(html string) bool
}
