package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job")
)

// ScrapeJob is one requested run: every ASIN checked at every postal code.
type ScrapeJob struct {
	ID           uuid.UUID  `json:"id"`
	ASINs        []string   `json:"asins"`
	PostalCodes  []string   `json:"postal_codes"`
	Workers      int        `json:"workers"`
	Source       string     `json:"source"`
	Status       JobStatus  `json:"status"`
	TotalUnits   int        `json:"total_units"`
	SuccessCount int        `json:"success_count"`
	PartialCount int        `json:"partial_count"`
	FailureCount int        `json:"failure_count"`
	ErrorMessage *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NewScrapeJob validates the request and builds a pending job. Postal codes
// must pass the same validation the pool applies, so a job that inserts
// cleanly never fails on location parsing later.
func NewScrapeJob(asins, postalCodes []string, workers int, source string) (*ScrapeJob, error) {
	cleanASINs := make([]string, 0, len(asins))
	for _, asin := range asins {
		asin = strings.ToUpper(strings.TrimSpace(asin))
		if asin == "" {
			continue
		}
		cleanASINs = append(cleanASINs, asin)
	}
	if len(cleanASINs) == 0 {
		return nil, fmt.Errorf("%w: needs at least one asin", ErrInvalidJob)
	}

	cleanCodes := make([]string, 0, len(postalCodes))
	for _, code := range postalCodes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, err := models.NewLocation(code); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidJob, err)
		}
		cleanCodes = append(cleanCodes, code)
	}
	if len(cleanCodes) == 0 {
		return nil, fmt.Errorf("%w: needs at least one postal code", ErrInvalidJob)
	}

	if source == "" {
		source = "api"
	}

	return &ScrapeJob{
		ID:          uuid.New(),
		ASINs:       cleanASINs,
		PostalCodes: cleanCodes,
		Workers:     workers,
		Source:      source,
		Status:      JobStatusPending,
		TotalUnits:  len(cleanASINs) * len(cleanCodes),
		CreatedAt:   time.Now(),
	}, nil
}

// Units expands the job into its cross-product of work units.
func (j *ScrapeJob) Units() ([]models.WorkUnit, error) {
	locations := make([]*models.Location, 0, len(j.PostalCodes))
	for _, code := range j.PostalCodes {
		loc, err := models.NewLocation(code)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		locations = append(locations, loc)
	}
	return models.UnitsFor(j.ASINs, locations), nil
}

// JobRepository handles scrape job persistence
type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, asins, postal_codes, workers, source, status,
	total_units, success_count, partial_count, failure_count,
	error_message, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*ScrapeJob, error) {
	job := &ScrapeJob{}
	err := row.Scan(
		&job.ID, &job.ASINs, &job.PostalCodes, &job.Workers, &job.Source, &job.Status,
		&job.TotalUnits, &job.SuccessCount, &job.PartialCount, &job.FailureCount,
		&job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Insert persists a new job in pending state
func (r *JobRepository) Insert(ctx context.Context, job *ScrapeJob) error {
	query := `
		INSERT INTO scrape_job (
			id, asins, postal_codes, workers, source, status,
			total_units, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	_, err := r.db.Exec(ctx, query,
		job.ID, job.ASINs, job.PostalCodes, job.Workers, job.Source, job.Status,
		job.TotalUnits, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_job WHERE id = $1`

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// List returns the most recent jobs, newest first
func (r *JobRepository) List(ctx context.Context, limit int) ([]*ScrapeJob, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM scrape_job ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// ClaimNextPending atomically moves the oldest pending job to running and
// returns it. SKIP LOCKED keeps concurrent runners off the same job.
// Returns nil without error when no job is waiting.
func (r *JobRepository) ClaimNextPending(ctx context.Context) (*ScrapeJob, error) {
	query := `
		UPDATE scrape_job
		SET status = $1, started_at = $2
		WHERE id = (
			SELECT id FROM scrape_job
			WHERE status = $3
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, JobStatusRunning, time.Now(), JobStatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// CompleteWithTx records the final counts and marks the job completed. It
// runs inside the transaction that persists the job's outcomes, so a job is
// never completed without its rows.
func (r *JobRepository) CompleteWithTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, success, partial, failure int) error {
	query := `
		UPDATE scrape_job
		SET status = $1, success_count = $2, partial_count = $3,
		    failure_count = $4, finished_at = $5
		WHERE id = $6`

	result, err := tx.Exec(ctx, query,
		JobStatusCompleted, success, partial, failure, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return nil
}

// MarkFailed ends a job that could not run to a report
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	query := `
		UPDATE scrape_job
		SET status = $1, error_message = $2, finished_at = $3
		WHERE id = $4`

	result, err := r.db.Exec(ctx, query, JobStatusFailed, msg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return nil
}

// CountByStatus returns job counts grouped by status
func (r *JobRepository) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM scrape_job GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}
