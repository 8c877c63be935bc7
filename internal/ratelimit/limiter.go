// Package ratelimit gates rating submissions with two sliding windows and
// sticky breach flags.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/clock"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Allowed Decision = iota
	SoftLimited
	HardLimited
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case SoftLimited:
		return "soft_limited"
	case HardLimited:
		return "hard_limited"
	default:
		return "unknown"
	}
}

// Window names one of the two sliding windows.
type Window string

const (
	WindowSoft Window = "soft"
	WindowHard Window = "hard"
)

// Config controls both windows.
type Config struct {
	MaxRequests   int
	RequestWindow time.Duration
	HardLimit     int
	HardWindow    time.Duration
}

// DefaultConfig returns the production limits: 5 per 20s, 10 per 60s.
func DefaultConfig() Config {
	return Config{
		MaxRequests:   5,
		RequestWindow: 20 * time.Second,
		HardLimit:     10,
		HardWindow:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.RequestWindow <= 0 {
		c.RequestWindow = def.RequestWindow
	}
	if c.HardLimit <= 0 {
		c.HardLimit = def.HardLimit
	}
	if c.HardWindow <= 0 {
		c.HardWindow = def.HardWindow
	}
	return c
}

// WindowStore persists window timestamps and the sticky breach flags.
type WindowStore interface {
	// Purge drops entries recorded before cutoff.
	Purge(ctx context.Context, w Window, cutoff time.Time) error
	Count(ctx context.Context, w Window) (int, error)
	// Record appends at to both windows.
	Record(ctx context.Context, at time.Time) error
	Flagged(ctx context.Context, w Window) (bool, error)
	SetFlag(ctx context.Context, w Window) error
	Reset(ctx context.Context) error
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	SoftCount   int
	HardCount   int
	SoftBreach  bool
	HardBreach  bool
	LastOutcome Decision
}

// Observer is notified of every decision.
type Observer interface {
	ObserveRateLimit(decision string)
}

// Limiter is a sliding-window admission gate. Once a window is breached the
// flag stays set until Reset, even after the window drains. It is safe for
// concurrent use; each check runs purge, count and record as one step.
type Limiter struct {
	cfg      Config
	store    WindowStore
	clock    clock.Clock
	logger   *logging.Logger
	observer Observer

	mu   sync.Mutex
	last Decision
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithStore replaces the in-memory window store.
func WithStore(store WindowStore) Option {
	return func(l *Limiter) {
		if store != nil {
			l.store = store
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// New builds a limiter. Zero config fields take the defaults.
func New(cfg Config, logger *logging.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = logging.Default()
	}
	l := &Limiter{
		cfg:    cfg.withDefaults(),
		store:  NewMemoryWindows(),
		clock:  clock.Real{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Admit runs one admission check and records the call when allowed.
// Store failures fail open, matching how velocity checks degrade elsewhere.
func (l *Limiter) Admit(ctx context.Context) Decision {
	l.mu.Lock()
	d, err := l.admit(ctx)
	if err != nil {
		l.logger.Warn("ratelimit: window store unavailable, allowing", "error", err)
		d = Allowed
	}
	l.last = d
	l.mu.Unlock()
	if l.observer != nil {
		l.observer.ObserveRateLimit(d.String())
	}
	return d
}

func (l *Limiter) admit(ctx context.Context) (Decision, error) {
	now := l.clock.Now()
	if err := l.store.Purge(ctx, WindowSoft, now.Add(-l.cfg.RequestWindow)); err != nil {
		return Allowed, err
	}
	if err := l.store.Purge(ctx, WindowHard, now.Add(-l.cfg.HardWindow)); err != nil {
		return Allowed, err
	}

	breached, err := l.breached(ctx, WindowHard, l.cfg.HardLimit)
	if err != nil {
		return Allowed, err
	}
	if breached {
		if err := l.store.SetFlag(ctx, WindowHard); err != nil {
			return Allowed, err
		}
		l.logger.Warn("ratelimit: hard limit reached", "limit", l.cfg.HardLimit, "window", l.cfg.HardWindow.String())
		return HardLimited, nil
	}

	breached, err = l.breached(ctx, WindowSoft, l.cfg.MaxRequests)
	if err != nil {
		return Allowed, err
	}
	if breached {
		if err := l.store.SetFlag(ctx, WindowSoft); err != nil {
			return Allowed, err
		}
		l.logger.Warn("ratelimit: soft limit reached", "limit", l.cfg.MaxRequests, "window", l.cfg.RequestWindow.String())
		return SoftLimited, nil
	}

	if err := l.store.Record(ctx, now); err != nil {
		return Allowed, err
	}
	return Allowed, nil
}

func (l *Limiter) breached(ctx context.Context, w Window, limit int) (bool, error) {
	flagged, err := l.store.Flagged(ctx, w)
	if err != nil {
		return false, err
	}
	if flagged {
		return true, nil
	}
	count, err := l.store.Count(ctx, w)
	if err != nil {
		return false, err
	}
	return count >= limit, nil
}

// Limited reports whether either sticky flag is currently set.
func (l *Limiter) Limited(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	soft, _ := l.store.Flagged(ctx, WindowSoft)
	hard, _ := l.store.Flagged(ctx, WindowHard)
	return soft || hard
}

// Reset clears both flags and both windows. It is the only way out of a breach.
func (l *Limiter) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = Allowed
	return l.store.Reset(ctx)
}

// Stats reports counts and flags without purging.
func (l *Limiter) Stats(ctx context.Context) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{LastOutcome: l.last}
	s.SoftCount, _ = l.store.Count(ctx, WindowSoft)
	s.HardCount, _ = l.store.Count(ctx, WindowHard)
	s.SoftBreach, _ = l.store.Flagged(ctx, WindowSoft)
	s.HardBreach, _ = l.store.Flagged(ctx, WindowHard)
	return s
}
