package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

var (
	// ErrBlocked means the site served a bot challenge instead of the
	// product page. Workers never retry it themselves; it escalates to
	// the pool, which pauses dispatch.
	ErrBlocked = errors.New("blocked by anti-bot protection")

	// ErrDuplicateOutcome means two outcomes arrived for the same work
	// unit. This is a bug in the orchestrator, never a site condition,
	// so it aborts the whole run.
	ErrDuplicateOutcome = errors.New("duplicate outcome for work unit")

	// ErrReportSealed rejects outcomes that arrive after finalization.
	ErrReportSealed = errors.New("report already finalized")

	// ErrReportIncomplete rejects finalization while units are still
	// unresolved.
	ErrReportIncomplete = errors.New("report is missing outcomes")
)

// NavigationError marks a page load that never produced usable HTML.
// Transient: the pool retries it until the attempt budget runs out.
type NavigationError struct {
	URL string
	Err error
}

func (e NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e NavigationError) Unwrap() error { return e.Err }

// LocationSwitchError marks a failed delivery location change. Transient.
type LocationSwitchError struct {
	PostalCode string
	Err        error
}

func (e LocationSwitchError) Error() string {
	return fmt.Sprintf("location switch to %s failed: %v", e.PostalCode, e.Err)
}

func (e LocationSwitchError) Unwrap() error { return e.Err }

// ExtractionError marks HTML that loaded fine but could not be parsed
// into a record. The same bytes parse the same way every time, so this
// is never retried.
type ExtractionError struct {
	ASIN string
	Err  error
}

func (e ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for %s: %v", e.ASIN, e.Err)
}

func (e ExtractionError) Unwrap() error { return e.Err }

// Classify maps an error chain onto the outcome taxonomy. Context
// cancellation wins over the wrapper type so units abandoned mid-flight
// resolve as cancelled rather than as spurious site failures.
func Classify(err error) models.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindCancelled
	case errors.Is(err, ErrBlocked):
		return models.ErrorKindBlocked
	}

	var navErr NavigationError
	if errors.As(err, &navErr) {
		return models.ErrorKindNavigation
	}
	var locErr LocationSwitchError
	if errors.As(err, &locErr) {
		return models.ErrorKindLocationSwitch
	}
	var extErr ExtractionError
	if errors.As(err, &extErr) {
		return models.ErrorKindExtraction
	}
	return models.ErrorKindNavigation
}

// Transient reports whether a failure kind earns another attempt.
func Transient(kind models.ErrorKind) bool {
	return kind == models.ErrorKindNavigation || kind == models.ErrorKindLocationSwitch
}
