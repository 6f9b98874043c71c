package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"

	"github.com/offerlens/amazon-offer-scraper/internal/database"
	"github.com/offerlens/amazon-offer-scraper/internal/models"
	"github.com/offerlens/amazon-offer-scraper/internal/offer-server/events"
)

// UnitRunner resolves a batch of work units into a report. workers is
// the job's requested parallelism; zero means the runner's default.
type UnitRunner interface {
	Run(ctx context.Context, units []models.WorkUnit, workers int) (*models.Report, error)
}

// RunnerFunc adapts a function to the UnitRunner interface.
type RunnerFunc func(ctx context.Context, units []models.WorkUnit, workers int) (*models.Report, error)

func (f RunnerFunc) Run(ctx context.Context, units []models.WorkUnit, workers int) (*models.Report, error) {
	return f(ctx, units, workers)
}

type jobStore interface {
	Insert(ctx context.Context, job *database.ScrapeJob) error
	Get(ctx context.Context, id uuid.UUID) (*database.ScrapeJob, error)
	List(ctx context.Context, limit int) ([]*database.ScrapeJob, error)
	ClaimNextPending(ctx context.Context) (*database.ScrapeJob, error)
	CompleteWithTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, success, partial, failure int) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	CountByStatus(ctx context.Context) (map[database.JobStatus]int, error)
}

type observationStore interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, obs *database.OfferObservation) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*database.OfferObservation, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type eventPublisher interface {
	PublishOfferObserved(ctx context.Context, tx pgx.Tx, payload *events.OfferObservedPayload) error
	PublishScrapeBlocked(ctx context.Context, tx pgx.Tx, payload *events.ScrapeBlockedPayload) error
}

type txRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

// Config tunes the background job runner.
type Config struct {
	RunnerInterval time.Duration
	CacheSize      int
	CacheTTL       time.Duration
}

// Manager owns the job lifecycle: accepting jobs, running them through
// the scraper pool, and persisting their reports.
type Manager struct {
	db        txRunner
	jobs      jobStore
	outcomes  observationStore
	publisher eventPublisher
	runner    UnitRunner
	cache     *lru.LRU[string, models.Outcome]
	interval  time.Duration
	logger    *slog.Logger
}

func NewManager(db *database.DB, runner UnitRunner, publisher *events.Publisher, config Config, logger *slog.Logger) *Manager {
	if config.RunnerInterval <= 0 {
		config.RunnerInterval = 10 * time.Second
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2048
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 15 * time.Minute
	}

	return &Manager{
		db:        db,
		jobs:      database.NewJobRepository(db),
		outcomes:  database.NewOutcomeRepository(db),
		publisher: publisher,
		runner:    runner,
		cache:     lru.NewLRU[string, models.Outcome](config.CacheSize, nil, config.CacheTTL),
		interval:  config.RunnerInterval,
		logger:    logger.With("component", "job_manager"),
	}
}

// CreateJob validates a request and stores it pending for the runner.
func (m *Manager) CreateJob(ctx context.Context, asins, postalCodes []string, workers int, source string) (*database.ScrapeJob, error) {
	job, err := database.NewScrapeJob(asins, postalCodes, workers, source)
	if err != nil {
		return nil, err
	}

	if err := m.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	m.logger.Info("job created", "id", job.ID, "units", job.TotalUnits, "source", job.Source)
	return job, nil
}

// GetJob retrieves a job by ID.
func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (*database.ScrapeJob, error) {
	return m.jobs.Get(ctx, id)
}

// ListJobs returns recent jobs, newest first.
func (m *Manager) ListJobs(ctx context.Context) ([]*database.ScrapeJob, error) {
	return m.jobs.List(ctx, 0)
}

// JobReport returns a job together with every observation it produced.
func (m *Manager) JobReport(ctx context.Context, id uuid.UUID) (*database.ScrapeJob, []*database.OfferObservation, error) {
	job, err := m.jobs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	observations, err := m.outcomes.ListByJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return job, observations, nil
}

// Stats summarizes job and unit history.
type Stats struct {
	TotalJobs     int     `json:"total_jobs"`
	PendingJobs   int     `json:"pending_jobs"`
	RunningJobs   int     `json:"running_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	TotalUnits    int     `json:"total_units"`
	SuccessUnits  int     `json:"success_units"`
	PartialUnits  int     `json:"partial_units"`
	FailedUnits   int     `json:"failed_units"`
	ResolvedRate  float64 `json:"resolved_rate"`
}

// GetStats aggregates counters across all jobs and observations.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	jobCounts, err := m.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	obsCounts, err := m.outcomes.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count observations: %w", err)
	}

	stats := &Stats{
		PendingJobs:   jobCounts[database.JobStatusPending],
		RunningJobs:   jobCounts[database.JobStatusRunning],
		CompletedJobs: jobCounts[database.JobStatusCompleted],
		FailedJobs:    jobCounts[database.JobStatusFailed],
		SuccessUnits:  obsCounts[string(models.StatusSuccess)],
		PartialUnits:  obsCounts[string(models.StatusPartialFailure)],
		FailedUnits:   obsCounts[string(models.StatusFailure)],
	}
	stats.TotalJobs = stats.PendingJobs + stats.RunningJobs + stats.CompletedJobs + stats.FailedJobs
	stats.TotalUnits = stats.SuccessUnits + stats.PartialUnits + stats.FailedUnits
	if stats.TotalUnits > 0 {
		resolved := float64(stats.SuccessUnits + stats.PartialUnits)
		stats.ResolvedRate = resolved / float64(stats.TotalUnits) * 100
	}

	return stats, nil
}
