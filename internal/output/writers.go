// Package output serializes finished run reports to disk.
package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// Writer persists a finished report. Writers are safe for concurrent use
// even though a report is normally written once.
type Writer interface {
	WriteReport(report *models.Report) error
	Close() error
	Validate() error
}

// csvHeader fixes the column order; WriteReport emits one row per work
// unit in dispatch order.
var csvHeader = []string{
	"asin",
	"postal_code",
	"status",
	"attempts",
	"title",
	"brand",
	"store_name",
	"availability",
	"selling_price",
	"list_price",
	"discount_pct",
	"currency",
	"rating",
	"review_count",
	"ships_from",
	"sold_by",
	"coupon",
	"url",
	"image_count",
	"scraped_at",
	"error_kind",
	"error",
	"missing_fields",
	"completed_at",
}

// CSVWriter writes one row per work unit.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to flush csv header: %w", err)
	}

	return &CSVWriter{file: f, writer: writer}, nil
}

func (cw *CSVWriter) WriteReport(report *models.Report) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, unit := range report.Units {
		outcome, ok := report.Get(unit)
		if !ok {
			return fmt.Errorf("report has no outcome for %s", unit.Key())
		}
		if err := cw.writer.Write(csvRow(unit, outcome)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush csv rows: %w", err)
	}
	return nil
}

func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures rows made it past the header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat csv file: %w", err)
	}
	headerSize := int64(len(strings.Join(csvHeader, ",")) + 1)
	if info.Size() <= headerSize {
		return fmt.Errorf("csv file has no data rows")
	}
	return nil
}

func csvRow(unit models.WorkUnit, outcome models.Outcome) []string {
	row := []string{
		unit.ASIN,
		unit.Location.PostalCode,
		string(outcome.Status),
		strconv.Itoa(outcome.Attempts),
	}

	record := outcome.Record
	if record == nil {
		record = &models.ProductRecord{}
	}
	row = append(row,
		record.Title,
		record.Brand,
		record.StoreName,
		string(record.Availability),
		formatFloat(record.SellingPrice),
		formatFloat(record.ListPrice),
		formatFloat(record.DiscountPct),
		record.Currency,
		formatFloat(record.Rating),
		formatInt(record.ReviewCount),
		record.ShipsFrom,
		record.SoldBy,
		record.CouponInfo,
		record.URL,
		strconv.Itoa(len(record.ImageURLs)),
		formatTime(record.ScrapedAt),
	)

	return append(row,
		string(outcome.ErrorKind),
		outcome.Error,
		strings.Join(outcome.MissingFields, ";"),
		outcome.CompletedAt.Format(time.RFC3339),
	)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// reportLine is the JSONL shape: unit identity first, then the outcome
// fields inline.
type reportLine struct {
	ASIN       string `json:"asin"`
	PostalCode string `json:"postal_code"`
	models.Outcome
}

// JSONLWriter writes newline-delimited JSON, one line per work unit.
type JSONLWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

func NewJSONLWriter(filename string) (*JSONLWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create jsonl file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONLWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

func (jw *JSONLWriter) WriteReport(report *models.Report) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, unit := range report.Units {
		outcome, ok := report.Get(unit)
		if !ok {
			return fmt.Errorf("report has no outcome for %s", unit.Key())
		}
		line := reportLine{
			ASIN:       unit.ASIN,
			PostalCode: unit.Location.PostalCode,
			Outcome:    outcome,
		}
		if err := jw.encoder.Encode(line); err != nil {
			return fmt.Errorf("failed to encode jsonl line: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush jsonl writer: %w", err)
	}
	return nil
}

func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush jsonl writer: %w", err)
	}
	return jw.file.Close()
}

func (jw *JSONLWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat jsonl file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("jsonl file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}
	return nil
}

// TimestampedPath builds a report path like dir/offers_20260114_153004.csv.
func TimestampedPath(dir, base, ext string) string {
	name := fmt.Sprintf("%s_%s.%s", base, time.Now().Format("20060102_150405"), ext)
	return filepath.Join(dir, name)
}
