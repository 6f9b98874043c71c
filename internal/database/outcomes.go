package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// OfferObservation is one persisted work unit outcome: what the site showed
// for an ASIN at a postal code, or why it could not be read.
type OfferObservation struct {
	ID            int64           `json:"id"`
	JobID         uuid.UUID       `json:"job_id"`
	ASIN          string          `json:"asin"`
	PostalCode    string          `json:"postal_code"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	ErrorKind     *string         `json:"error_kind,omitempty"`
	ErrorMessage  *string         `json:"error,omitempty"`
	MissingFields []string        `json:"missing_fields,omitempty"`
	Record        json.RawMessage `json:"record,omitempty"`
	Cached        bool            `json:"cached"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// ObservationFromOutcome flattens a resolved work unit into its storable row.
func ObservationFromOutcome(jobID uuid.UUID, unit models.WorkUnit, outcome models.Outcome) (*OfferObservation, error) {
	obs := &OfferObservation{
		JobID:         jobID,
		ASIN:          unit.ASIN,
		PostalCode:    unit.Location.PostalCode,
		Status:        string(outcome.Status),
		Attempts:      outcome.Attempts,
		MissingFields: outcome.MissingFields,
		CompletedAt:   outcome.CompletedAt,
	}

	if outcome.ErrorKind != "" {
		kind := string(outcome.ErrorKind)
		obs.ErrorKind = &kind
	}
	if outcome.Error != "" {
		msg := outcome.Error
		obs.ErrorMessage = &msg
	}

	if outcome.Record != nil {
		data, err := json.Marshal(outcome.Record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record for %s: %w", unit.Key(), err)
		}
		obs.Record = data
	}

	return obs, nil
}

// OutcomeRepository handles offer observation persistence
type OutcomeRepository struct {
	db *DB
}

func NewOutcomeRepository(db *DB) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

// InsertWithTx inserts an observation inside the caller's transaction
func (r *OutcomeRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, obs *OfferObservation) error {
	query := `
		INSERT INTO offer_observation (
			job_id, asin, postal_code, status, attempts,
			error_kind, error_message, missing_fields, record,
			cached, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING id`

	err := tx.QueryRow(ctx, query,
		obs.JobID, obs.ASIN, obs.PostalCode, obs.Status, obs.Attempts,
		obs.ErrorKind, obs.ErrorMessage, obs.MissingFields, obs.Record,
		obs.Cached, obs.CompletedAt,
	).Scan(&obs.ID)
	if err != nil {
		return fmt.Errorf("failed to insert observation for %s@%s: %w", obs.ASIN, obs.PostalCode, err)
	}

	return nil
}

// ListByJob returns a job's observations in completion order
func (r *OutcomeRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*OfferObservation, error) {
	query := `
		SELECT
			id, job_id, asin, postal_code, status, attempts,
			error_kind, error_message, missing_fields, record,
			cached, completed_at
		FROM offer_observation
		WHERE job_id = $1
		ORDER BY completed_at, id`

	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var observations []*OfferObservation
	for rows.Next() {
		obs := &OfferObservation{}
		err := rows.Scan(
			&obs.ID, &obs.JobID, &obs.ASIN, &obs.PostalCode, &obs.Status, &obs.Attempts,
			&obs.ErrorKind, &obs.ErrorMessage, &obs.MissingFields, &obs.Record,
			&obs.Cached, &obs.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}

	return observations, nil
}

// CountByStatus returns observation counts grouped by status
func (r *OutcomeRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM offer_observation GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count observations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
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
