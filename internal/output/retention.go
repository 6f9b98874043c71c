package output

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanOldReports deletes report files in dir older than keepDays. Only
// .csv and .jsonl files are considered; keepDays <= 0 disables cleanup.
// Returns how many files were removed.
func CleanOldReports(dir string, keepDays int) (int, error) {
	if keepDays <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read report directory: %w", err)
	}

	logger := slog.Default().With("component", "output")
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".csv" && ext != ".jsonl" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove old report", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("removed old reports", "dir", dir, "count", removed, "keep_days", keepDays)
	}
	return removed, nil
}
