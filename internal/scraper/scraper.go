package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// Session is the browser surface a worker drives. Exactly one worker uses
// a session at a time; the delivery location applied to it sticks until
// the next SetLocation.
type Session interface {
	Location() string
	SetLocation(ctx context.Context, loc *models.Location) error
	Navigate(ctx context.Context, url string) error
	Content() (string, error)
	Close() error
}

// SessionFactory hands out fresh sessions, both at worker start and when a
// worker replaces a degraded session.
type SessionFactory interface {
	NewSession() (Session, error)
}

type SessionFactoryFunc func() (Session, error)

func (f SessionFactoryFunc) NewSession() (Session, error) {
	return f()
}

// BlockPolicy decides what happens to a unit whose page came back as a
// bot challenge. The pool pauses dispatch either way.
type BlockPolicy string

const (
	// BlockGiveUp resolves the unit as Failure immediately.
	BlockGiveUp BlockPolicy = "giveup"
	// BlockRequeueOnce re-enqueues the unit a single time before giving up.
	BlockRequeueOnce BlockPolicy = "requeue_once"
)

type Config struct {
	Workers             int
	BaseURL             string
	MaxAttempts         int
	RetryDelayMin       time.Duration
	RetryDelayMax       time.Duration
	UnitDelayMin        time.Duration
	UnitDelayMax        time.Duration
	FailureWindow       int
	FailureRate         float64
	Cooldown            time.Duration
	BlockPolicy         BlockPolicy
	SessionFailureLimit int
	ShutdownGrace       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:             3,
		BaseURL:             "https://www.amazon.com",
		MaxAttempts:         3,
		RetryDelayMin:       2 * time.Second,
		RetryDelayMax:       5 * time.Second,
		UnitDelayMin:        time.Second,
		UnitDelayMax:        3 * time.Second,
		FailureWindow:       10,
		FailureRate:         0.5,
		Cooldown:            30 * time.Second,
		BlockPolicy:         BlockGiveUp,
		SessionFailureLimit: 3,
		ShutdownGrace:       45 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelayMin <= 0 {
		c.RetryDelayMin = d.RetryDelayMin
	}
	if c.RetryDelayMax < c.RetryDelayMin {
		c.RetryDelayMax = c.RetryDelayMin
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.FailureRate <= 0 {
		c.FailureRate = d.FailureRate
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.BlockPolicy == "" {
		c.BlockPolicy = d.BlockPolicy
	}
	if c.SessionFailureLimit <= 0 {
		c.SessionFailureLimit = d.SessionFailureLimit
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

func productURL(baseURL, asin string) string {
	return fmt.Sprintf("%s/dp/%s?th=1", strings.TrimSuffix(baseURL, "/"), asin)
}
