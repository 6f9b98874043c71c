package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
	"github.com/offerlens/amazon-offer-scraper/internal/parser"
	"github.com/offerlens/amazon-offer-scraper/internal/queue"
	"github.com/offerlens/amazon-offer-scraper/internal/ratelimit"
)

type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateLocationSet
	StateNavigated
	StateExtracted
	StateReported
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocationSet:
		return "location_set"
	case StateNavigated:
		return "navigated"
	case StateExtracted:
		return "extracted"
	case StateReported:
		return "reported"
	default:
		return "unknown"
	}
}

// Result is what a worker hands back for one attempt at a unit. Err nil
// means Record and Missing are set; otherwise Err carries the classified
// failure and the pool decides between retry and terminal outcome.
type Result struct {
	Item     *queue.Item
	Record   *models.ProductRecord
	Missing  []string
	Err      error
	WorkerID int
	Duration time.Duration
}

// Worker owns one browser session at a time and runs units through the
// set-location, navigate, extract sequence. It never retries a unit
// itself and never talks to the aggregator; both are pool concerns.
type Worker struct {
	id           int
	factory      SessionFactory
	parser       parser.Parser
	limiter      *ratelimit.AdaptiveRateLimiter
	policy       *BackoffPolicy
	metrics      *Metrics
	logger       *slog.Logger
	baseURL      string
	failureLimit int

	session  Session
	failures int
	state    atomic.Int32
}

// Run consumes units until the queue closes or ctx ends. workCtx governs
// in-flight page operations; the pool keeps it alive past ctx for the
// shutdown grace so the unit in hand can finish.
func (w *Worker) Run(ctx, workCtx context.Context, q queue.Queue, results chan<- Result) {
	defer w.closeSession()

	for {
		if err := w.policy.Await(ctx); err != nil {
			return
		}
		item, err := q.Pop(ctx)
		if err != nil {
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			// Pacing lost to cancellation; still run the unit we hold so
			// it resolves instead of vanishing.
			w.logger.Debug("rate limit wait interrupted", "error", err)
		}

		start := time.Now()
		res := w.process(workCtx, item)
		res.WorkerID = w.id
		res.Duration = time.Since(start)
		w.metrics.ObserveUnitDuration(res.Duration)
		results <- res
	}
}

func (w *Worker) process(ctx context.Context, item *queue.Item) Result {
	res := Result{Item: item}
	unit := item.Unit
	w.setState(StateIdle)

	logger := w.logger.With("unit", unit.Key(), "attempt", item.Attempt)

	if err := w.ensureSession(); err != nil {
		logger.Error("failed to create session", "error", err)
		w.noteFailure()
		res.Err = NavigationError{URL: w.baseURL, Err: err}
		return res
	}

	if w.session.Location() != unit.Location.PostalCode {
		if err := w.session.SetLocation(ctx, unit.Location); err != nil {
			logger.Warn("location switch failed", "postal_code", unit.Location.PostalCode, "error", err)
			w.noteFailure()
			res.Err = LocationSwitchError{PostalCode: unit.Location.PostalCode, Err: err}
			return res
		}
	}
	w.setState(StateLocationSet)

	url := productURL(w.baseURL, unit.ASIN)
	if err := w.session.Navigate(ctx, url); err != nil {
		logger.Warn("navigation failed", "url", url, "error", err)
		w.noteFailure()
		res.Err = NavigationError{URL: url, Err: err}
		return res
	}
	w.setState(StateNavigated)

	html, err := w.session.Content()
	if err != nil {
		logger.Warn("failed to read page content", "url", url, "error", err)
		w.noteFailure()
		res.Err = NavigationError{URL: url, Err: err}
		return res
	}

	if w.parser.IsBlockPage(html) {
		logger.Warn("block page detected, discarding session", "url", url)
		// The session's identity is burned; start the next unit clean.
		w.resetSession()
		res.Err = fmt.Errorf("%w: challenge page at %s", ErrBlocked, url)
		return res
	}

	record, missing, err := w.parser.ParseProductPage(html, unit.ASIN)
	if err != nil {
		logger.Error("extraction failed", "asin", unit.ASIN, "postal_code", unit.Location.PostalCode, "html_bytes", len(html), "error", err)
		w.noteFailure()
		res.Err = ExtractionError{ASIN: unit.ASIN, Err: err}
		return res
	}
	w.setState(StateExtracted)

	record.URL = url
	record.PostalCode = unit.Location.PostalCode
	record.ScrapedAt = time.Now().UTC()

	w.noteSuccess()
	res.Record = record
	res.Missing = missing
	w.setState(StateReported)

	if len(missing) > 0 {
		logger.Info("unit extracted with gaps", "missing_fields", missing)
	} else {
		logger.Debug("unit extracted")
	}
	return res
}

func (w *Worker) ensureSession() error {
	if w.session != nil {
		return nil
	}
	session, err := w.factory.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	w.session = session
	return nil
}

func (w *Worker) closeSession() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		w.logger.Warn("failed to close session", "error", err)
	}
	w.session = nil
}

// resetSession discards the current browser identity. The next unit gets
// a fresh context and user agent from the factory.
func (w *Worker) resetSession() {
	w.closeSession()
	w.failures = 0
	w.metrics.IncSessionRestart()
}

func (w *Worker) noteFailure() {
	w.failures++
	w.limiter.RecordError()
	if w.failures >= w.failureLimit {
		w.logger.Info("recycling session after consecutive failures", "failures", w.failures)
		w.resetSession()
	}
}

func (w *Worker) noteSuccess() {
	w.failures = 0
	w.limiter.RecordSuccess()
}

func (w *Worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// State is safe to read from other goroutines.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}
