package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/offerlens/amazon-offer-scraper/internal/database"
	"github.com/offerlens/amazon-offer-scraper/internal/models"
	"github.com/offerlens/amazon-offer-scraper/internal/offer-server/events"
)

// StartRunner polls for pending jobs until ctx ends. One job runs at a
// time; the scraper pool parallelizes within it.
func (m *Manager) StartRunner(ctx context.Context) {
	m.logger.Info("job runner started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job runner stopping")
			return
		case <-ticker.C:
			m.processNextJob(ctx)
		}
	}
}

// processNextJob claims the oldest pending job and runs it to a report.
func (m *Manager) processNextJob(ctx context.Context) {
	job, err := m.jobs.ClaimNextPending(ctx)
	if err != nil {
		m.logger.Error("failed to claim job", "error", err)
		return
	}
	if job == nil {
		return
	}

	m.logger.Info("processing job", "id", job.ID, "units", job.TotalUnits, "source", job.Source)

	if err := m.runJob(ctx, job); err != nil {
		m.logger.Error("job failed", "id", job.ID, "error", err)
		if markErr := m.jobs.MarkFailed(context.WithoutCancel(ctx), job.ID, err); markErr != nil {
			m.logger.Error("failed to mark job failed", "id", job.ID, "error", markErr)
		}
		return
	}

	m.logger.Info("job completed", "id", job.ID)
}

func (m *Manager) runJob(ctx context.Context, job *database.ScrapeJob) error {
	units, err := job.Units()
	if err != nil {
		return err
	}

	cached, fresh := m.splitCached(units)
	if len(cached) > 0 {
		m.logger.Info("serving cached outcomes", "job", job.ID, "cached", len(cached), "fresh", len(fresh))
	}

	var report *models.Report
	if len(fresh) > 0 {
		report, err = m.runner.Run(ctx, fresh, job.Workers)
		if err != nil {
			return fmt.Errorf("failed to run units: %w", err)
		}
	}

	return m.persistReport(ctx, job, report, cached)
}

type cachedOutcome struct {
	Unit    models.WorkUnit
	Outcome models.Outcome
}

// splitCached partitions units into those with a recent resolved outcome
// and those that need scraping. Past failures are never served from
// cache; the next job that asks retries them.
func (m *Manager) splitCached(units []models.WorkUnit) ([]cachedOutcome, []models.WorkUnit) {
	var cached []cachedOutcome
	fresh := make([]models.WorkUnit, 0, len(units))
	for _, unit := range units {
		if outcome, ok := m.cache.Get(unit.Key()); ok && outcome.Resolved() {
			cached = append(cached, cachedOutcome{Unit: unit, Outcome: outcome})
			continue
		}
		fresh = append(fresh, unit)
	}
	return cached, fresh
}

// persistReport writes every outcome, queues events for the freshly
// scraped ones, and completes the job in a single transaction. The
// context is detached from cancellation so a report that exists is never
// half-persisted by shutdown. Cached outcomes get a row but no event;
// they were announced when first observed.
func (m *Manager) persistReport(ctx context.Context, job *database.ScrapeJob, report *models.Report, cached []cachedOutcome) error {
	ctx = context.WithoutCancel(ctx)

	var success, partial, failure int
	count := func(o models.Outcome) {
		switch o.Status {
		case models.StatusSuccess:
			success++
		case models.StatusPartialFailure:
			partial++
		default:
			failure++
		}
	}

	err := m.db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, c := range cached {
			obs, err := database.ObservationFromOutcome(job.ID, c.Unit, c.Outcome)
			if err != nil {
				return err
			}
			obs.Cached = true
			if err := m.outcomes.InsertWithTx(ctx, tx, obs); err != nil {
				return err
			}
			count(c.Outcome)
		}

		if report != nil {
			for _, unit := range report.Units {
				outcome, ok := report.Get(unit)
				if !ok {
					return fmt.Errorf("report is missing outcome for %s", unit.Key())
				}
				obs, err := database.ObservationFromOutcome(job.ID, unit, outcome)
				if err != nil {
					return err
				}
				if err := m.outcomes.InsertWithTx(ctx, tx, obs); err != nil {
					return err
				}
				if err := m.publishOutcome(ctx, tx, job.ID, unit, outcome); err != nil {
					return err
				}
				count(outcome)
			}
		}

		return m.jobs.CompleteWithTx(ctx, tx, job.ID, success, partial, failure)
	})
	if err != nil {
		return fmt.Errorf("failed to persist report for job %s: %w", job.ID, err)
	}

	if report != nil {
		m.rememberOutcomes(report)
	}

	m.logger.Info("report persisted",
		"job", job.ID, "success", success, "partial_failure", partial, "failure", failure)
	return nil
}

// publishOutcome queues the event matching the outcome: resolved units
// announce the offer, blocked units raise the alarm. Other failures stay
// local to the job report.
func (m *Manager) publishOutcome(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, unit models.WorkUnit, outcome models.Outcome) error {
	switch {
	case outcome.Resolved():
		return m.publisher.PublishOfferObserved(ctx, tx, events.ObservedFromOutcome(jobID, unit, outcome))
	case outcome.ErrorKind == models.ErrorKindBlocked:
		return m.publisher.PublishScrapeBlocked(ctx, tx, events.BlockedFromOutcome(jobID, unit, outcome))
	default:
		return nil
	}
}

// rememberOutcomes caches resolved outcomes so back-to-back jobs asking
// for the same units skip the site.
func (m *Manager) rememberOutcomes(report *models.Report) {
	for key, outcome := range report.Outcomes {
		if outcome.Resolved() {
			m.cache.Add(key, outcome)
		}
	}
}
