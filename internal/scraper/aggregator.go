package scraper

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// Aggregator collects exactly one outcome per expected work unit. A
// second outcome for the same unit is a dispatch bug and surfaces as
// ErrDuplicateOutcome; outcomes after Finalize are rejected with
// ErrReportSealed.
type Aggregator struct {
	mu        sync.Mutex
	order     []models.WorkUnit
	expected  map[string]models.WorkUnit
	outcomes  map[string]models.Outcome
	sealed    bool
	startedAt time.Time
	logger    *slog.Logger
}

func NewAggregator(units []models.WorkUnit) *Aggregator {
	expected := make(map[string]models.WorkUnit, len(units))
	for _, u := range units {
		expected[u.Key()] = u
	}
	return &Aggregator{
		order:     units,
		expected:  expected,
		outcomes:  make(map[string]models.Outcome, len(units)),
		startedAt: time.Now().UTC(),
		logger:    slog.Default().With("component", "aggregator"),
	}
}

func (a *Aggregator) Record(unit models.WorkUnit, outcome models.Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := unit.Key()
	if a.sealed {
		return fmt.Errorf("%w: outcome for %s arrived late", ErrReportSealed, key)
	}
	if _, ok := a.expected[key]; !ok {
		return fmt.Errorf("outcome for unknown work unit %s", key)
	}
	if _, ok := a.outcomes[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOutcome, key)
	}

	a.outcomes[key] = outcome
	return nil
}

// Remaining counts units still waiting for an outcome.
func (a *Aggregator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order) - len(a.outcomes)
}

// Complete reports whether every expected unit has an outcome.
func (a *Aggregator) Complete() bool {
	return a.Remaining() == 0
}

// FillCancelled resolves every still-unresolved unit as a cancelled
// failure so the report always covers the full cross product. Returns
// how many units it filled.
func (a *Aggregator) FillCancelled(cause error) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return 0
	}
	if cause == nil {
		cause = fmt.Errorf("run cancelled")
	}

	filled := 0
	for _, unit := range a.order {
		key := unit.Key()
		if _, ok := a.outcomes[key]; ok {
			continue
		}
		a.outcomes[key] = models.FailureOutcome(models.ErrorKindCancelled, cause, 0)
		filled++
	}
	if filled > 0 {
		a.logger.Warn("marked unresolved units as cancelled", "count", filled)
	}
	return filled
}

// Finalize seals the aggregator and returns the report. It fails with
// ErrReportIncomplete while any unit is still unresolved.
func (a *Aggregator) Finalize() (*models.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return nil, ErrReportSealed
	}
	if missing := len(a.order) - len(a.outcomes); missing > 0 {
		return nil, fmt.Errorf("%w: %d of %d units unresolved", ErrReportIncomplete, missing, len(a.order))
	}
	a.sealed = true

	units := make([]models.WorkUnit, len(a.order))
	copy(units, a.order)
	outcomes := make(map[string]models.Outcome, len(a.outcomes))
	for k, v := range a.outcomes {
		outcomes[k] = v
	}
	return &models.Report{
		Units:      units,
		Outcomes:   outcomes,
		StartedAt:  a.startedAt,
		FinishedAt: time.Now().UTC(),
	}, nil
}
