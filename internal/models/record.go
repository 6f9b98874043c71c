package models

import (
	"time"
)

// Availability is the closed set of stock states a page can map to.
// Parsers must collapse any unrecognized availability text to
// AvailabilityUnknown instead of failing the unit.
type Availability string

const (
	AvailabilityInStock      Availability = "in_stock"
	AvailabilityOutOfStock   Availability = "out_of_stock"
	AvailabilityLimitedStock Availability = "limited_stock"
	AvailabilityUnknown      Availability = "unknown"
)

// ProductRecord holds everything extracted from one product page under one
// delivery location. Pointer fields distinguish "absent on the page" from a
// legitimate zero value.
type ProductRecord struct {
	ASIN         string       `json:"asin"`
	Title        string       `json:"title,omitempty"`
	Description  string       `json:"description,omitempty"`
	Brand        string       `json:"brand,omitempty"`
	StoreName    string       `json:"store_name,omitempty"`
	ListPrice    *float64     `json:"list_price,omitempty"`
	SellingPrice *float64     `json:"selling_price,omitempty"`
	Currency     string       `json:"currency,omitempty"`
	DiscountPct  *float64     `json:"discount_pct,omitempty"`
	Rating       *float64     `json:"rating,omitempty"`
	ReviewCount  *int         `json:"review_count,omitempty"`
	Availability Availability `json:"availability"`
	ShipsFrom    string       `json:"ships_from,omitempty"`
	SoldBy       string       `json:"sold_by,omitempty"`
	CouponInfo   string       `json:"coupon_info,omitempty"`
	ImageURLs    []string     `json:"image_urls,omitempty"`
	URL          string       `json:"url,omitempty"`
	PostalCode   string       `json:"postal_code,omitempty"`
	ScrapedAt    time.Time    `json:"scraped_at"`
}

func NewProductRecord(asin string) *ProductRecord {
	return &ProductRecord{
		ASIN:         asin,
		Availability: AvailabilityUnknown,
	}
}

// Purchasable reports whether the record describes an offer that can be
// added to a cart right now.
func (r *ProductRecord) Purchasable() bool {
	return r.Availability == AvailabilityInStock || r.Availability == AvailabilityLimitedStock
}
