package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
	"github.com/offerlens/amazon-offer-scraper/internal/parser"
	"github.com/offerlens/amazon-offer-scraper/internal/queue"
	"github.com/offerlens/amazon-offer-scraper/internal/ratelimit"
)

// Pool fans work units out over a fixed set of workers and aggregates
// their outcomes into a single report. All units are enqueued up front;
// retries of transient failures re-enter the queue at the back with a
// jittered delay, and a shared backoff policy can pause every worker
// between units.
type Pool struct {
	cfg     Config
	factory SessionFactory
	parser  parser.Parser
	policy  *BackoffPolicy
	metrics *Metrics
	logger  *slog.Logger
}

func NewPool(cfg Config, factory SessionFactory, p parser.Parser, metrics *Metrics) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		factory: factory,
		parser:  p,
		policy:  NewBackoffPolicy(cfg.FailureWindow, cfg.FailureRate, cfg.Cooldown),
		metrics: metrics,
		logger:  slog.Default().With("component", "pool"),
	}
}

type PoolStats struct {
	Pauses []time.Time
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{Pauses: p.policy.Pauses()}
}

// ScrapeAll runs the full product x location cross product.
func (p *Pool) ScrapeAll(ctx context.Context, asins []string, locations []*models.Location) (*models.Report, error) {
	return p.Run(ctx, models.UnitsFor(asins, locations))
}

// Run resolves every given unit and returns a report covering all of
// them, including units marked cancelled when ctx ends early. The error
// return is reserved for orchestration bugs and setup failures; site
// trouble shows up as Failure outcomes instead.
func (p *Pool) Run(ctx context.Context, units []models.WorkUnit) (*models.Report, error) {
	units = dedupeUnits(units, p.logger)
	agg := NewAggregator(units)
	if len(units) == 0 {
		p.logger.Warn("no work units to run")
		return agg.Finalize()
	}

	q := queue.NewInMemoryQueue()
	for i := range units {
		if err := q.Push(queue.NewItem(units[i])); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s: %w", units[i].Key(), err)
		}
	}

	p.logger.Info("run starting", "units", len(units), "workers", p.cfg.Workers)

	// runCtx releases workers stuck in a pause or an empty-queue wait the
	// moment dispatch is over; workCtx keeps in-flight page operations
	// alive past ctx so a cancelled run can still finish the units
	// already in hand.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	// Sized so workers can always hand off a result even when the run
	// returns before every goroutine unwinds.
	results := make(chan Result, len(units)*(p.cfg.MaxAttempts+1)+p.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		w := p.newWorker(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx, workCtx, q, results)
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	d := &dispatcher{
		pool:        p,
		queue:       q,
		agg:         agg,
		outstanding: len(units),
		blockedOnce: make(map[string]bool),
		logger:      p.logger,
	}

	if err := d.run(ctx, results); err != nil {
		q.Close()
		return nil, err
	}

	if d.outstanding > 0 {
		p.logger.Info("run cancelled, draining in-flight units",
			"outstanding", d.outstanding, "grace", p.cfg.ShutdownGrace)
		q.Close()
		if err := d.drain(results, workersDone, p.cfg.ShutdownGrace); err != nil {
			return nil, err
		}
		cancelWork()
		if filled := agg.FillCancelled(context.Cause(ctx)); filled > 0 {
			for i := 0; i < filled; i++ {
				p.metrics.IncOutcome(string(models.StatusFailure))
				p.metrics.IncFailure(string(models.ErrorKindCancelled))
			}
		}
	} else {
		q.Close()
		cancelRun()
		<-workersDone
	}

	report, err := agg.Finalize()
	if err != nil {
		return nil, err
	}
	p.logReport(report)
	return report, nil
}

func (p *Pool) newWorker(id int) *Worker {
	return &Worker{
		id:           id,
		factory:      p.factory,
		parser:       p.parser,
		limiter:      ratelimit.NewAdaptiveRateLimiter(p.cfg.UnitDelayMin, p.cfg.UnitDelayMax),
		policy:       p.policy,
		metrics:      p.metrics,
		logger:       p.logger.With("worker", id),
		baseURL:      p.cfg.BaseURL,
		failureLimit: p.cfg.SessionFailureLimit,
	}
}

func (p *Pool) logReport(report *models.Report) {
	counts := report.CountByStatus()
	p.logger.Info("run finished",
		"units", report.Len(),
		"success", counts[models.StatusSuccess],
		"partial_failure", counts[models.StatusPartialFailure],
		"failure", counts[models.StatusFailure],
		"pauses", len(p.policy.Pauses()),
		"duration", report.FinishedAt.Sub(report.StartedAt))
}

func dedupeUnits(units []models.WorkUnit, logger *slog.Logger) []models.WorkUnit {
	seen := make(map[string]bool, len(units))
	out := units[:0:0]
	for _, u := range units {
		key := u.Key()
		if seen[key] {
			logger.Warn("dropping duplicate work unit", "unit", key)
			continue
		}
		seen[key] = true
		out = append(out, u)
	}
	return out
}

// dispatcher is the single goroutine that consumes worker results,
// decides retry versus terminal outcome, and keeps the aggregator the
// only writer-free source of truth for the run.
type dispatcher struct {
	pool        *Pool
	queue       queue.Queue
	agg         *Aggregator
	outstanding int
	blockedOnce map[string]bool
	cancelling  bool
	logger      *slog.Logger
}

// run consumes results until every unit resolves or ctx ends. The
// returned error is fatal for the whole run.
func (d *dispatcher) run(ctx context.Context, results <-chan Result) error {
	for d.outstanding > 0 {
		select {
		case res := <-results:
			if err := d.resolve(res); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// drain handles the shutdown grace. The queue is already closed, so
// workers finish the unit in hand and exit; whatever they still report
// gets recorded, and anything slower than the grace stays unresolved for
// FillCancelled.
func (d *dispatcher) drain(results <-chan Result, workersDone <-chan struct{}, grace time.Duration) error {
	d.cancelling = true
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for d.outstanding > 0 {
		select {
		case res := <-results:
			if err := d.resolve(res); err != nil {
				return err
			}
		case <-workersDone:
			// Workers are gone; collect what they already sent.
			for d.outstanding > 0 {
				select {
				case res := <-results:
					if err := d.resolve(res); err != nil {
						return err
					}
				default:
					return nil
				}
			}
			return nil
		case <-timer.C:
			d.logger.Warn("shutdown grace expired, abandoning in-flight units", "outstanding", d.outstanding)
			return nil
		}
	}
	return nil
}

func (d *dispatcher) resolve(res Result) error {
	item := res.Item
	key := item.Unit.Key()
	logger := d.logger.With("unit", key, "worker", res.WorkerID, "attempt", item.Attempt)

	var outcome models.Outcome
	switch {
	case res.Err == nil && len(res.Missing) == 0:
		outcome = models.SuccessOutcome(res.Record, item.Attempt)
	case res.Err == nil:
		outcome = models.PartialOutcome(res.Record, res.Missing, item.Attempt)
	default:
		kind := Classify(res.Err)
		switch {
		case kind == models.ErrorKindBlocked:
			if d.pool.policy.RecordBlock() {
				d.pool.metrics.IncPause()
			}
			logger.Warn("block escalated, dispatch paused", "cooldown", d.pool.cfg.Cooldown)
			if d.pool.cfg.BlockPolicy == BlockRequeueOnce && !d.blockedOnce[key] && !d.cancelling {
				d.blockedOnce[key] = true
				d.requeue(item, logger)
				return nil
			}
			outcome = models.FailureOutcome(kind, res.Err, item.Attempt)
		case Transient(kind) && item.Attempt < d.pool.cfg.MaxAttempts && !d.cancelling:
			d.pool.metrics.IncRetry()
			d.requeue(item, logger)
			return nil
		default:
			outcome = models.FailureOutcome(kind, res.Err, item.Attempt)
		}
	}

	if err := d.agg.Record(item.Unit, outcome); err != nil {
		return err
	}
	d.outstanding--

	failed := outcome.Status == models.StatusFailure
	if d.pool.policy.RecordOutcome(failed) {
		d.pool.metrics.IncPause()
		logger.Warn("failure rate tripped dispatch pause", "cooldown", d.pool.cfg.Cooldown)
	}
	d.pool.metrics.IncOutcome(string(outcome.Status))

	switch {
	case failed:
		d.pool.metrics.IncFailure(string(outcome.ErrorKind))
		logger.Warn("unit failed", "kind", outcome.ErrorKind, "error", outcome.Error)
	case outcome.Status == models.StatusPartialFailure:
		logger.Info("unit resolved with gaps", "missing_fields", outcome.MissingFields)
	default:
		logger.Info("unit resolved")
	}
	return nil
}

// requeue sends the item back to the queue tail after a jittered delay.
// Attempt counts total tries, so it advances before the push.
func (d *dispatcher) requeue(item *queue.Item, logger *slog.Logger) {
	item.Attempt++
	delay := ratelimit.Jitter(d.pool.cfg.RetryDelayMin, d.pool.cfg.RetryDelayMax)
	logger.Info("re-enqueueing unit", "next_attempt", item.Attempt, "delay", delay)

	q := d.queue
	time.AfterFunc(delay, func() {
		if err := q.Push(item); err != nil {
			logger.Debug("re-enqueue raced queue close", "error", err)
		}
	})
}
