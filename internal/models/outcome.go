package models

import (
	"time"
)

type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailure        Status = "failure"
)

// ErrorKind classifies terminal failures. Transient kinds (navigation,
// location switch) only appear here after the retry budget is spent.
type ErrorKind string

const (
	ErrorKindNavigation     ErrorKind = "navigation_error"
	ErrorKindLocationSwitch ErrorKind = "location_switch_error"
	ErrorKindBlocked        ErrorKind = "blocked"
	ErrorKindExtraction     ErrorKind = "extraction_failure"
	ErrorKindCancelled      ErrorKind = "cancelled"
)

// Outcome is the single result a work unit resolves to. Success and
// PartialFailure carry a record; Failure carries the error classification.
type Outcome struct {
	Status        Status         `json:"status"`
	Record        *ProductRecord `json:"record,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	CompletedAt   time.Time      `json:"completed_at"`
}

func SuccessOutcome(record *ProductRecord, attempts int) Outcome {
	return Outcome{
		Status:      StatusSuccess,
		Record:      record,
		Attempts:    attempts,
		CompletedAt: time.Now().UTC(),
	}
}

func PartialOutcome(record *ProductRecord, missing []string, attempts int) Outcome {
	return Outcome{
		Status:        StatusPartialFailure,
		Record:        record,
		MissingFields: missing,
		Attempts:      attempts,
		CompletedAt:   time.Now().UTC(),
	}
}

func FailureOutcome(kind ErrorKind, err error, attempts int) Outcome {
	o := Outcome{
		Status:      StatusFailure,
		ErrorKind:   kind,
		Attempts:    attempts,
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Resolved reports whether the outcome represents usable data. Partial
// failures count: a record with gaps is still a result.
func (o Outcome) Resolved() bool {
	return o.Status == StatusSuccess || o.Status == StatusPartialFailure
}

// Report maps every work unit of a run to its outcome. Units preserves the
// dispatch order so serialized output is deterministic.
type Report struct {
	Units      []WorkUnit         `json:"units"`
	Outcomes   map[string]Outcome `json:"outcomes"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

func (r *Report) Get(unit WorkUnit) (Outcome, bool) {
	o, ok := r.Outcomes[unit.Key()]
	return o, ok
}

func (r *Report) Len() int {
	return len(r.Outcomes)
}

func (r *Report) CountByStatus() map[Status]int {
	counts := make(map[Status]int, 3)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Resolved reports whether every unit produced a usable record. This is
// the exit-status condition: one hard failure fails the run.
func (r *Report) Resolved() bool {
	for _, o := range r.Outcomes {
		if !o.Resolved() {
			return false
		}
	}
	return true
}
