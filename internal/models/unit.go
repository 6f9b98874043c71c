package models

import (
	"fmt"
	"regexp"
)

var postalCodeRe = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

// Location is the delivery context a scrape runs under. Instances are
// immutable and shared read-only between work units.
type Location struct {
	PostalCode string `json:"postal_code"`
}

func NewLocation(postalCode string) (*Location, error) {
	if !postalCodeRe.MatchString(postalCode) {
		return nil, fmt.Errorf("invalid postal code %q", postalCode)
	}
	return &Location{PostalCode: postalCode}, nil
}

func (l *Location) String() string {
	return l.PostalCode
}

// WorkUnit is one (product, location) pair. Its Key is the identity used
// for outcome bookkeeping, so two units with equal keys are the same unit.
type WorkUnit struct {
	ASIN     string    `json:"asin"`
	Location *Location `json:"location"`
}

func (u WorkUnit) Key() string {
	return u.ASIN + "@" + u.Location.PostalCode
}

func (u WorkUnit) String() string {
	return u.Key()
}

// UnitsFor builds the full cross-product of products and locations in
// input order: all locations for the first product, then the next.
func UnitsFor(asins []string, locations []*Location) []WorkUnit {
	units := make([]WorkUnit, 0, len(asins)*len(locations))
	for _, asin := range asins {
		for _, loc := range locations {
			units = append(units, WorkUnit{ASIN: asin, Location: loc})
		}
	}
	return units
}
