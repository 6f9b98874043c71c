package scraper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
	"github.com/offerlens/amazon-offer-scraper/internal/parser"
)

func TestPoolResolvesFullCrossProduct(t *testing.T) {
	site := newFakeSite()
	asins := []string{"B00AAAA001", "B00AAAA002"}
	locations := []*models.Location{
		mustLocation("10001"),
		mustLocation("60601"),
		mustLocation("94105"),
	}

	for _, asin := range asins {
		site.serve(productURL("https://test.site", asin), "*", offerPageHTML("Product "+asin, true))
	}
	// One product page shows no rating in one delivery region.
	site.serve(productURL("https://test.site", "B00AAAA002"), "60601", offerPageHTML("Product B00AAAA002", false))

	pool := NewPool(testConfig(4), site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.ScrapeAll(context.Background(), asins, locations)
	require.NoError(t, err)

	require.Equal(t, 6, report.Len())
	counts := report.CountByStatus()
	assert.Equal(t, 5, counts[models.StatusSuccess])
	assert.Equal(t, 1, counts[models.StatusPartialFailure])
	assert.Equal(t, 0, counts[models.StatusFailure])
	assert.True(t, report.Resolved())

	outcome, ok := report.Get(models.WorkUnit{ASIN: "B00AAAA002", Location: mustLocation("60601")})
	require.True(t, ok)
	assert.Equal(t, models.StatusPartialFailure, outcome.Status)
	assert.Equal(t, []string{"rating"}, outcome.MissingFields)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, "60601", outcome.Record.PostalCode)
	assert.Equal(t, models.AvailabilityInStock, outcome.Record.Availability)

	success, ok := report.Get(models.WorkUnit{ASIN: "B00AAAA001", Location: mustLocation("10001")})
	require.True(t, ok)
	require.NotNil(t, success.Record)
	require.NotNil(t, success.Record.SellingPrice)
	assert.InDelta(t, 19.99, *success.Record.SellingPrice, 0.001)
	require.NotNil(t, success.Record.Rating)
	assert.InDelta(t, 4.5, *success.Record.Rating, 0.001)
	assert.False(t, success.Record.ScrapedAt.IsZero())
}

func TestPoolBlockedUnitFailsAndPausesDispatch(t *testing.T) {
	site := newFakeSite()
	unit := models.WorkUnit{ASIN: "B00BLOCKED", Location: mustLocation("10001")}
	url := productURL("https://test.site", unit.ASIN)
	site.serve(url, "*", blockPageHTML)

	pool := NewPool(testConfig(1), site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(context.Background(), []models.WorkUnit{unit})
	require.NoError(t, err)

	outcome, ok := report.Get(unit)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailure, outcome.Status)
	assert.Equal(t, models.ErrorKindBlocked, outcome.ErrorKind)
	assert.Contains(t, outcome.Error, "blocked")

	// The block is escalated, not retried by the worker.
	assert.Equal(t, 1, site.navigations(url))
	// The burned session is discarded right away.
	assert.Equal(t, 1, site.closedCount())
	// The pause is observable after the run.
	assert.Len(t, pool.Stats().Pauses, 1)
	assert.False(t, report.Resolved())
}

func TestPoolBlockRequeueOncePolicy(t *testing.T) {
	site := newFakeSite()
	unit := models.WorkUnit{ASIN: "B00BLOCKED", Location: mustLocation("10001")}
	url := productURL("https://test.site", unit.ASIN)
	site.serve(url, "*", blockPageHTML)

	cfg := testConfig(1)
	cfg.BlockPolicy = BlockRequeueOnce
	pool := NewPool(cfg, site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(context.Background(), []models.WorkUnit{unit})
	require.NoError(t, err)

	outcome, ok := report.Get(unit)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailure, outcome.Status)
	assert.Equal(t, models.ErrorKindBlocked, outcome.ErrorKind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 2, site.navigations(url))
	assert.Len(t, pool.Stats().Pauses, 2)
}

func TestPoolNavigationRetriesStopAtBudget(t *testing.T) {
	site := newFakeSite()
	unit := models.WorkUnit{ASIN: "B00FLAKY01", Location: mustLocation("10001")}
	url := productURL("https://test.site", unit.ASIN)
	site.serve(url, "*", offerPageHTML("Flaky", true))
	site.failNavigation(url, -1)

	pool := NewPool(testConfig(1), site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(context.Background(), []models.WorkUnit{unit})
	require.NoError(t, err)

	outcome, ok := report.Get(unit)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailure, outcome.Status)
	assert.Equal(t, models.ErrorKindNavigation, outcome.ErrorKind)
	assert.Equal(t, 3, outcome.Attempts)
	// Exactly the attempt budget, no more.
	assert.Equal(t, 3, site.navigations(url))
}

func TestPoolRetrySucceedsWithinBudget(t *testing.T) {
	site := newFakeSite()
	unit := models.WorkUnit{ASIN: "B00FLAKY02", Location: mustLocation("10001")}
	url := productURL("https://test.site", unit.ASIN)
	site.serve(url, "*", offerPageHTML("Recovers", true))
	site.failNavigation(url, 2)

	metrics := NewMetrics()
	pool := NewPool(testConfig(1), site.factory(), parser.NewOfferParser(), metrics)
	report, err := pool.Run(context.Background(), []models.WorkUnit{unit})
	require.NoError(t, err)

	outcome, ok := report.Get(unit)
	require.True(t, ok)
	assert.Equal(t, models.StatusSuccess, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, site.navigations(url))
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.RetriesTotal), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.OutcomesTotal.WithLabelValues(string(models.StatusSuccess))), 0.001)
}

func TestPoolLocationSwitchFailureClassified(t *testing.T) {
	site := newFakeSite()
	unit := models.WorkUnit{ASIN: "B00AAAA001", Location: mustLocation("73301")}
	site.serve(productURL("https://test.site", unit.ASIN), "*", offerPageHTML("Product", true))
	site.failLocation("73301", -1)

	pool := NewPool(testConfig(1), site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(context.Background(), []models.WorkUnit{unit})
	require.NoError(t, err)

	outcome, ok := report.Get(unit)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailure, outcome.Status)
	assert.Equal(t, models.ErrorKindLocationSwitch, outcome.ErrorKind)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, site.locationSwitches("73301"))
}

func TestPoolCancellationResolvesEveryUnit(t *testing.T) {
	site := newFakeSite()
	site.setNavDelay(25 * time.Millisecond)

	units := make([]models.WorkUnit, 0, 8)
	for i := 0; i < 8; i++ {
		asin := fmt.Sprintf("B00SLOW%03d", i)
		site.serve(productURL("https://test.site", asin), "*", offerPageHTML("Slow "+asin, true))
		units = append(units, models.WorkUnit{ASIN: asin, Location: mustLocation("10001")})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	pool := NewPool(testConfig(1), site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(ctx, units)
	require.NoError(t, err)

	// Every unit resolves, dispatched or not.
	require.Equal(t, len(units), report.Len())
	resolved, cancelled := 0, 0
	for _, unit := range units {
		outcome, ok := report.Get(unit)
		require.True(t, ok, "missing outcome for %s", unit.Key())
		if outcome.Resolved() {
			resolved++
			continue
		}
		assert.Equal(t, models.ErrorKindCancelled, outcome.ErrorKind)
		cancelled++
	}
	assert.GreaterOrEqual(t, resolved, 1, "in-flight work should finish within the grace")
	assert.GreaterOrEqual(t, cancelled, 1, "undispatched units should be marked cancelled")
	assert.False(t, report.Resolved())
}

func TestPoolNoDuplicateOutcomesAcrossPoolSizes(t *testing.T) {
	locations := []*models.Location{mustLocation("10001"), mustLocation("94105")}

	for _, workers := range []int{1, 2, 8, 32} {
		t.Run(fmt.Sprintf("workers_%d", workers), func(t *testing.T) {
			site := newFakeSite()
			asins := make([]string, 0, 12)
			for i := 0; i < 12; i++ {
				asin := fmt.Sprintf("B00FUZZ%03d", i)
				asins = append(asins, asin)
				url := productURL("https://test.site", asin)

				switch {
				case i == 5:
					site.serve(url, "*", offerPageHTML("Hard down "+asin, true))
					site.failNavigation(url, -1)
				case i == 7:
					site.serve(url, "*", offerPageHTML("No rating "+asin, false))
				case i%4 == 0:
					site.serve(url, "*", offerPageHTML("Flaky "+asin, true))
					site.failNavigation(url, 1)
				default:
					site.serve(url, "*", offerPageHTML("Steady "+asin, true))
				}
			}

			pool := NewPool(testConfig(workers), site.factory(), parser.NewOfferParser(), nil)
			report, err := pool.ScrapeAll(context.Background(), asins, locations)
			require.NoError(t, err)

			units := models.UnitsFor(asins, locations)
			require.Equal(t, len(units), report.Len())
			for _, unit := range units {
				_, ok := report.Get(unit)
				assert.True(t, ok, "missing outcome for %s", unit.Key())
			}

			counts := report.CountByStatus()
			assert.Equal(t, 2, counts[models.StatusFailure], "the hard-down product fails at both locations")
			assert.Equal(t, 2, counts[models.StatusPartialFailure])
			assert.Equal(t, len(units)-4, counts[models.StatusSuccess])
		})
	}
}

func TestPoolDeduplicatesInputUnits(t *testing.T) {
	site := newFakeSite()
	loc := mustLocation("10001")
	site.serve(productURL("https://test.site", "B00AAAA001"), "*", offerPageHTML("One", true))
	site.serve(productURL("https://test.site", "B00AAAA002"), "*", offerPageHTML("Two", true))

	units := []models.WorkUnit{
		{ASIN: "B00AAAA001", Location: loc},
		{ASIN: "B00AAAA002", Location: loc},
		{ASIN: "B00AAAA001", Location: loc},
		{ASIN: "B00AAAA001", Location: loc},
	}

	pool := NewPool(testConfig(2), site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(context.Background(), units)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Len())
}

func TestPoolEmptyRun(t *testing.T) {
	pool := NewPool(testConfig(2), newFakeSite().factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Len())
	assert.True(t, report.Resolved())
}

func TestPoolSingleWorkerPreservesQueueOrder(t *testing.T) {
	site := newFakeSite()
	units := make([]models.WorkUnit, 0, 5)
	for i := 0; i < 5; i++ {
		asin := fmt.Sprintf("B00ORDER%02d", i)
		site.serve(productURL("https://test.site", asin), "*", offerPageHTML("Ordered "+asin, true))
		units = append(units, models.WorkUnit{ASIN: asin, Location: mustLocation("10001")})
	}

	pool := NewPool(testConfig(1), site.factory(), parser.NewOfferParser(), nil)
	report, err := pool.Run(context.Background(), units)
	require.NoError(t, err)

	var last time.Time
	for _, unit := range units {
		outcome, ok := report.Get(unit)
		require.True(t, ok)
		assert.False(t, outcome.CompletedAt.Before(last), "unit %s completed out of order", unit.Key())
		last = outcome.CompletedAt
	}
}
