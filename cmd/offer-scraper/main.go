package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/browser"
	"github.com/offerlens/amazon-offer-scraper/internal/config"
	"github.com/offerlens/amazon-offer-scraper/internal/models"
	"github.com/offerlens/amazon-offer-scraper/internal/output"
	"github.com/offerlens/amazon-offer-scraper/internal/parser"
	"github.com/offerlens/amazon-offer-scraper/internal/scraper"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		products  = flag.String("products", "", "Comma-separated list of ASINs to scrape")
		locations = flag.String("locations", "", "Comma-separated list of postal codes")
		inputFile = flag.String("file", "", "File with ASINs and/or postal codes, one per line (# comments allowed)")
		workers   = flag.Int("workers", 0, "Number of parallel workers (default from config)")
		outputDir = flag.String("output", "", "Report directory (default from config)")
		format    = flag.String("format", "", "Report format: csv, jsonl or both (default from config)")
		headless  = flag.Bool("headless", true, "Run browser in headless mode")
		keepDays  = flag.Int("keep-days", -1, "Delete reports older than this many days, 0 disables (default from config)")
		timeout   = flag.Duration("timeout", 0, "Overall run timeout, 0 means none")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitUsage
	}
	if cfg.Logging.Format == "json" {
		// Local batch runs read better on the tinted handler.
		cfg.Logging.Format = "console"
	}
	if *workers > 0 {
		cfg.Scraper.Workers = *workers
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *format != "" {
		cfg.Output.Format = *format
	}
	if *keepDays >= 0 {
		cfg.Output.KeepDays = *keepDays
	}
	// The flag defaults to true, so it only overrides the env config when
	// the user actually passed it.
	if flagWasPassed(flag.CommandLine, "headless") {
		cfg.Browser.Headless = *headless
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitUsage
	}

	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	asins, postalCodes, err := collectInputs(*products, *locations, *inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}
	if len(asins) == 0 || len(postalCodes) == 0 {
		fmt.Fprintln(os.Stderr, "need at least one product and one location; use -products/-locations or -file")
		flag.Usage()
		return exitUsage
	}

	locs := make([]*models.Location, 0, len(postalCodes))
	for _, zip := range postalCodes {
		loc, err := models.NewLocation(zip)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitUsage
		}
		locs = append(locs, loc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	logger.Info("starting offer scraper",
		"products", len(asins), "locations", len(locs),
		"units", len(asins)*len(locs), "workers", cfg.Scraper.Workers)

	b, err := browser.New(&browser.Options{
		Headless:       cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout,
		BaseURL:        cfg.Scraper.BaseURL,
		UserAgents:     cfg.Browser.UserAgents,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		AcceptLanguage: cfg.Browser.AcceptLanguage,
		TimezoneID:     cfg.Browser.TimezoneID,
		Locale:         cfg.Browser.Locale,
		ProxyServer:    cfg.Browser.ProxyServer,
		Humanize:       cfg.Browser.Humanize,
		SettleDelay:    cfg.Browser.SettleDelay,
	})
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		return exitFailure
	}
	defer b.Close()

	pool := scraper.NewPool(poolConfig(cfg.Scraper), scraper.SessionFactoryFunc(func() (scraper.Session, error) {
		return b.NewSession()
	}), parser.NewOfferParser(), scraper.NewMetrics())

	report, err := pool.ScrapeAll(ctx, asins, locs)
	if err != nil {
		logger.Error("run aborted", "error", err)
		return exitFailure
	}

	if err := writeReport(report, cfg.Output); err != nil {
		logger.Error("failed to write report", "error", err)
		return exitFailure
	}

	if _, err := output.CleanOldReports(cfg.Output.Dir, cfg.Output.KeepDays); err != nil {
		logger.Warn("report cleanup failed", "error", err)
	}

	if !report.Resolved() {
		counts := report.CountByStatus()
		logger.Warn("run finished with failures", "failure", counts[models.StatusFailure])
		return exitFailure
	}
	return exitOK
}

func poolConfig(sc config.ScraperConfig) scraper.Config {
	return scraper.Config{
		Workers:             sc.Workers,
		BaseURL:             sc.BaseURL,
		MaxAttempts:         sc.MaxAttempts,
		RetryDelayMin:       sc.RetryDelayMin,
		RetryDelayMax:       sc.RetryDelayMax,
		UnitDelayMin:        sc.UnitDelayMin,
		UnitDelayMax:        sc.UnitDelayMax,
		FailureWindow:       sc.FailureWindow,
		FailureRate:         sc.FailureRate,
		Cooldown:            sc.Cooldown,
		BlockPolicy:         scraper.BlockPolicy(sc.BlockPolicy),
		SessionFailureLimit: sc.SessionFailureLimit,
		ShutdownGrace:       sc.ShutdownGrace,
	}
}

// collectInputs merges the flag lists with the input file. File lines are
// classified by shape: anything that parses as a postal code is a
// location, the rest are ASINs.
func collectInputs(products, locations, inputFile string) (asins, postalCodes []string, err error) {
	asins = splitList(products)
	postalCodes = splitList(locations)

	if inputFile == "" {
		return asins, postalCodes, nil
	}

	f, err := os.Open(inputFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := models.NewLocation(line); err == nil {
			postalCodes = append(postalCodes, line)
		} else {
			asins = append(asins, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return asins, postalCodes, nil
}

// flagWasPassed reports whether the named flag appeared on the command
// line, as opposed to holding its default value.
func flagWasPassed(fs *flag.FlagSet, name string) bool {
	passed := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeReport(report *models.Report, cfg config.OutputConfig) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	var (
		w   output.Writer
		err error
	)
	csvPath := output.TimestampedPath(cfg.Dir, "offers", "csv")
	jsonlPath := strings.TrimSuffix(csvPath, ".csv") + ".jsonl"

	switch cfg.Format {
	case "csv":
		w, err = output.NewCSVWriter(csvPath)
	case "jsonl":
		w, err = output.NewJSONLWriter(jsonlPath)
	default:
		w, err = output.NewDualWriter(csvPath, jsonlPath)
	}
	if err != nil {
		return err
	}

	if err := w.WriteReport(report); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	counts := report.CountByStatus()
	slog.Info("report written",
		"dir", cfg.Dir,
		"format", cfg.Format,
		"units", report.Len(),
		"success", counts[models.StatusSuccess],
		"partial_failure", counts[models.StatusPartialFailure],
		"failure", counts[models.StatusFailure],
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Second))
	return nil
}
