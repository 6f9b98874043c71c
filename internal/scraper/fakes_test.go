package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// fakeSite scripts page loads for worker and pool tests. Sessions created
// from its factory share its state, so failure scripts keep applying
// across session restarts.
type fakeSite struct {
	mu       sync.Mutex
	pages    map[string]string // url|postal -> served html, postal "*" matches any
	navFails map[string]int    // url -> failures left, negative means always
	navCalls map[string]int
	locFails map[string]int // postal code -> failures left, negative means always
	locCalls map[string]int
	navDelay time.Duration
	sessions int
	closed   int
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages:    make(map[string]string),
		navFails: make(map[string]int),
		navCalls: make(map[string]int),
		locFails: make(map[string]int),
		locCalls: make(map[string]int),
	}
}

// serve registers the page a session sees at url from the given postal
// code. Use postal "*" for a page that looks the same everywhere.
func (s *fakeSite) serve(url, postal, html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url+"|"+postal] = html
}

func (s *fakeSite) failNavigation(url string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navFails[url] = times
}

func (s *fakeSite) failLocation(postal string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locFails[postal] = times
}

func (s *fakeSite) setNavDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navDelay = d
}

func (s *fakeSite) navigations(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navCalls[url]
}

func (s *fakeSite) locationSwitches(postal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locCalls[postal]
}

func (s *fakeSite) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *fakeSite) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSite) factory() SessionFactory {
	return SessionFactoryFunc(func() (Session, error) {
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()
		return &fakeSession{site: s}, nil
	})
}

type fakeSession struct {
	site     *fakeSite
	mu       sync.Mutex
	location string
	url      string
	closed   bool
}

func (f *fakeSession) Location() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location
}

func (f *fakeSession) SetLocation(ctx context.Context, loc *models.Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.site.mu.Lock()
	f.site.locCalls[loc.PostalCode]++
	left := f.site.locFails[loc.PostalCode]
	if left != 0 {
		if left > 0 {
			f.site.locFails[loc.PostalCode] = left - 1
		}
		f.site.mu.Unlock()
		return fmt.Errorf("delivery widget did not open")
	}
	f.site.mu.Unlock()

	f.mu.Lock()
	f.location = loc.PostalCode
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.site.mu.Lock()
	f.site.navCalls[url]++
	left := f.site.navFails[url]
	delay := f.site.navDelay
	if left != 0 {
		if left > 0 {
			f.site.navFails[url] = left - 1
		}
		f.site.mu.Unlock()
		return fmt.Errorf("net::ERR_CONNECTION_RESET")
	}
	f.site.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Content() (string, error) {
	f.mu.Lock()
	url, postal := f.url, f.location
	f.mu.Unlock()

	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if html, ok := f.site.pages[url+"|"+postal]; ok {
		return html, nil
	}
	if html, ok := f.site.pages[url+"|*"]; ok {
		return html, nil
	}
	return "", fmt.Errorf("no document loaded for %s", url)
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.site.mu.Lock()
	f.site.closed++
	f.site.mu.Unlock()
	return nil
}

// offerPageHTML renders a minimal in-stock product page. withRating
// controls whether the star rating node is present at all.
func offerPageHTML(title string, withRating bool) string {
	rating := ""
	if withRating {
		rating = `<span class="a-icon-alt">4.5 out of 5 stars</span>`
	}
	return fmt.Sprintf(`<html><body>
<span id="productTitle">%s</span>
%s
<span id="acrCustomerReviewText">1,532 ratings</span>
<div id="availability"><span>In Stock</span></div>
<div id="corePrice_feature_div"><span class="a-price"><span class="a-offscreen">$19.99</span><span class="a-price-whole">19</span><span class="a-price-fraction">99</span></span></div>
</body></html>`, title, rating)
}

const blockPageHTML = `<html><head><title>Robot Check</title></head><body>
<form action="/errors/validateCaptcha"><input id="captchacharacters"></form>
<p>Enter the characters you see below</p>
</body></html>`

func testConfig(workers int) Config {
	return Config{
		Workers:             workers,
		BaseURL:             "https://test.site",
		MaxAttempts:         3,
		RetryDelayMin:       time.Millisecond,
		RetryDelayMax:       3 * time.Millisecond,
		UnitDelayMin:        time.Millisecond,
		UnitDelayMax:        2 * time.Millisecond,
		FailureWindow:       10,
		FailureRate:         0.5,
		Cooldown:            30 * time.Millisecond,
		BlockPolicy:         BlockGiveUp,
		SessionFailureLimit: 3,
		ShutdownGrace:       300 * time.Millisecond,
	}
}

func mustLocation(postal string) *models.Location {
	loc, err := models.NewLocation(postal)
	if err != nil {
		panic(err)
	}
	return loc
}
