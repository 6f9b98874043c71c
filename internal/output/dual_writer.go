package output

import (
	"fmt"
	"sync"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// DualWriter writes the report to CSV and JSONL at the same time.
type DualWriter struct {
	csvWriter   *CSVWriter
	jsonlWriter *JSONLWriter
	mu          sync.Mutex
}

func NewDualWriter(csvFilename, jsonlFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to create csv writer: %w", err)
	}

	jsonlWriter, err := NewJSONLWriter(jsonlFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("failed to create jsonl writer: %w", err)
	}

	return &DualWriter{csvWriter: csvWriter, jsonlWriter: jsonlWriter}, nil
}

func (dw *DualWriter) WriteReport(report *models.Report) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csvWriter.WriteReport(report); err != nil {
		return fmt.Errorf("csv write failed: %w", err)
	}
	if err := dw.jsonlWriter.WriteReport(report); err != nil {
		return fmt.Errorf("jsonl write failed: %w", err)
	}
	return nil
}

func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("csv close failed: %w", err))
	}
	if err := dw.jsonlWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("jsonl close failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}
	return nil
}

func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("csv validation failed: %w", err))
	}
	if err := dw.jsonlWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("jsonl validation failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
