package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

func sampleReport(t *testing.T) *models.Report {
	t.Helper()

	loc, err := models.NewLocation("10001")
	if err != nil {
		t.Fatalf("new location: %v", err)
	}
	okUnit := models.WorkUnit{ASIN: "B00AAAA001", Location: loc}
	badUnit := models.WorkUnit{ASIN: "B00AAAA002", Location: loc}

	record := models.NewProductRecord(okUnit.ASIN)
	record.Title = "Anker 735 Charger"
	record.Brand = "Anker"
	record.Availability = models.AvailabilityInStock
	price := 19.99
	record.SellingPrice = &price
	rating := 4.5
	record.Rating = &rating
	reviews := 1532
	record.ReviewCount = &reviews
	record.Currency = "USD"
	record.URL = "https://test.site/dp/B00AAAA001?th=1"
	record.ImageURLs = []string{
		"https://test.site/img/1.jpg",
		"https://test.site/img/2.jpg",
	}
	record.PostalCode = "10001"
	record.ScrapedAt = time.Date(2026, 1, 14, 15, 30, 4, 0, time.UTC)

	return &models.Report{
		Units: []models.WorkUnit{okUnit, badUnit},
		Outcomes: map[string]models.Outcome{
			okUnit.Key(): models.SuccessOutcome(record, 1),
			badUnit.Key(): models.FailureOutcome(
				models.ErrorKindNavigation, navTestErr{}, 3),
		},
		StartedAt:  time.Date(2026, 1, 14, 15, 29, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 1, 14, 15, 30, 10, 0, time.UTC),
	}
}

type navTestErr struct{}

func (navTestErr) Error() string { return "navigation to https://test.site failed: timeout" }

func TestCSVWriterWritesOneRowPerUnit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offers.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.WriteReport(sampleReport(t)); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%d, want 3", len(rows))
	}
	if rows[0][0] != "asin" || rows[0][2] != "status" {
		t.Fatalf("unexpected header: %v", rows[0])
	}

	ok := rows[1]
	if ok[0] != "B00AAAA001" || ok[1] != "10001" || ok[2] != "success" {
		t.Fatalf("unexpected success row: %v", ok)
	}
	if ok[8] != "19.99" {
		t.Fatalf("selling_price=%q, want 19.99", ok[8])
	}
	if ok[12] != "4.5" {
		t.Fatalf("rating=%q, want 4.5", ok[12])
	}
	if rows[0][18] != "image_count" || ok[18] != "2" {
		t.Fatalf("image_count=%q, want 2", ok[18])
	}
	if rows[0][19] != "scraped_at" || ok[19] != "2026-01-14T15:30:04Z" {
		t.Fatalf("scraped_at=%q, want 2026-01-14T15:30:04Z", ok[19])
	}

	bad := rows[2]
	if bad[2] != "failure" || bad[3] != "3" {
		t.Fatalf("unexpected failure row: %v", bad)
	}
	if bad[19] != "" {
		t.Fatalf("failure row should have empty scraped_at, got %q", bad[19])
	}
	if bad[20] != "navigation_error" {
		t.Fatalf("error_kind=%q, want navigation_error", bad[20])
	}
	if bad[4] != "" {
		t.Fatalf("failure row should have empty title, got %q", bad[4])
	}
}

func TestJSONLWriterWritesDecodableLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offers.jsonl")

	writer, err := NewJSONLWriter(path)
	if err != nil {
		t.Fatalf("create jsonl writer: %v", err)
	}
	if err := writer.WriteReport(sampleReport(t)); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close jsonl: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open jsonl: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid jsonl line: %v", err)
		}
		if decoded["asin"] == "" {
			t.Fatalf("line missing asin: %s", scanner.Text())
		}
		if decoded["postal_code"] != "10001" {
			t.Fatalf("postal_code=%v, want 10001", decoded["postal_code"])
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan jsonl: %v", err)
	}
	if count != 2 {
		t.Fatalf("jsonl lines=%d, want 2", count)
	}
}

func TestDualWriterWritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "offers.csv")
	jsonlPath := filepath.Join(dir, "offers.jsonl")

	writer, err := NewDualWriter(csvPath, jsonlPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}
	if err := writer.WriteReport(sampleReport(t)); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	for _, path := range []string{csvPath, jsonlPath} {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			t.Fatalf("%s missing or empty", path)
		}
	}
}

func TestCSVWriterCreatesMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "reports", "offers.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat csv: %v", err)
	}
}

func TestCleanOldReports(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "offers_20250101_000000.csv")
	fresh := filepath.Join(dir, "offers_today.jsonl")
	ignored := filepath.Join(dir, "notes.txt")
	for _, path := range []string{stale, fresh, ignored} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	old := time.Now().AddDate(0, 0, -30)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(ignored, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := CleanOldReports(dir, 7)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale report still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh report removed: %v", err)
	}
	if _, err := os.Stat(ignored); err != nil {
		t.Fatalf("non-report file removed: %v", err)
	}
}

func TestCleanOldReportsDisabled(t *testing.T) {
	removed, err := CleanOldReports(t.TempDir(), 0)
	if err != nil || removed != 0 {
		t.Fatalf("removed=%d err=%v, want 0 nil", removed, err)
	}
}

func TestTimestampedPath(t *testing.T) {
	path := TimestampedPath("reports", "offers", "csv")
	if filepath.Dir(path) != "reports" {
		t.Fatalf("dir=%q, want reports", filepath.Dir(path))
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "offers_") || !strings.HasSuffix(base, ".csv") {
		t.Fatalf("unexpected name %q", base)
	}
}
