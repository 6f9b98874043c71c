package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

const glowTimeout = 10 * time.Second

// Session is one worker's exclusive browser surface: an isolated context
// holding its own cookies (and therefore its own delivery location) and a
// single page. Sessions are not safe for concurrent use.
type Session struct {
	context  playwright.BrowserContext
	page     playwright.Page
	opts     *Options
	logger   *slog.Logger
	location string
	closed   bool
}

// Location returns the postal code this session last applied, or "" when
// no location has been set yet.
func (s *Session) Location() string {
	return s.location
}

// SetLocation switches the delivery location through the storefront's
// location chooser. The applied postal code persists in the session's
// cookies until changed again.
func (s *Session) SetLocation(ctx context.Context, loc *models.Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !strings.Contains(s.page.URL(), "amazon.") {
		if _, err := s.page.Goto(s.opts.BaseURL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(s.opts.Timeout.Milliseconds())),
		}); err != nil {
			return fmt.Errorf("failed to open storefront: %w", err)
		}
		sleep(ctx, s.opts.SettleDelay)
	}

	chooser := s.page.Locator("#nav-global-location-popover-link, #nav-global-location-slot").First()
	if err := chooser.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(float64(glowTimeout.Milliseconds()))}); err != nil {
		return fmt.Errorf("failed to open location chooser: %w", err)
	}

	zipInput := s.page.Locator("#GLUXZipUpdateInput")
	if err := zipInput.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(glowTimeout.Milliseconds())),
	}); err != nil {
		return fmt.Errorf("zip input did not appear: %w", err)
	}
	if err := zipInput.Fill(loc.PostalCode); err != nil {
		return fmt.Errorf("failed to fill zip input: %w", err)
	}

	apply := s.page.Locator(`#GLUXZipUpdate input[type="submit"], input[aria-labelledby="GLUXZipUpdate-announce"]`).First()
	if err := apply.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(float64(glowTimeout.Milliseconds()))}); err != nil {
		return fmt.Errorf("failed to apply zip code: %w", err)
	}

	sleep(ctx, time.Second)

	// The confirmation dialog does not always render, so a missing done
	// button is not a failure.
	done := s.page.Locator(`button[name="glowDoneButton"], #GLUXConfirmClose`).First()
	if count, err := done.Count(); err == nil && count > 0 {
		if err := done.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(3000)}); err != nil {
			s.logger.Debug("done button present but not clickable", "error", err)
		}
	}

	sleep(ctx, s.opts.SettleDelay)

	if err := s.verifyLocation(loc); err != nil {
		s.logger.Warn("could not verify delivery location", "zip", loc.PostalCode, "error", err)
	}

	s.location = loc.PostalCode
	s.logger.Debug("delivery location applied", "zip", loc.PostalCode)
	return nil
}

func (s *Session) verifyLocation(loc *models.Location) error {
	ingress := s.page.Locator("#glow-ingress-line2").First()
	text, err := ingress.TextContent(playwright.LocatorTextContentOptions{Timeout: playwright.Float(3000)})
	if err != nil {
		return fmt.Errorf("failed to read glow ingress: %w", err)
	}
	zip5 := loc.PostalCode
	if len(zip5) > 5 {
		zip5 = zip5[:5]
	}
	if !strings.Contains(text, zip5) {
		return fmt.Errorf("glow ingress shows %q", strings.TrimSpace(text))
	}
	return nil
}

// Navigate loads url and lets the page settle. It makes exactly one
// attempt; retry policy belongs to the caller.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(s.opts.Timeout.Milliseconds())),
	}); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	sleep(ctx, s.opts.SettleDelay)

	if s.opts.Humanize {
		s.humanize(ctx)
	}

	return nil
}

func (s *Session) Content() (string, error) {
	content, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return content, nil
}

func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close page: %w", err))
	}
	if err := s.context.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close context: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during session close: %v", errs)
	}
	return nil
}

func (s *Session) humanize(ctx context.Context) {
	for i := 0; i < 3; i++ {
		x := float64(100 + rand.Intn(800))
		y := float64(100 + rand.Intn(500))
		s.page.Mouse().Move(x, y)
		sleep(ctx, time.Duration(150+rand.Intn(250))*time.Millisecond)
	}

	s.page.Evaluate(`window.scrollBy(0, Math.random() * 400)`)
	sleep(ctx, 500*time.Millisecond)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
