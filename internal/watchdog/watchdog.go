// Package watchdog detects silent transport failures from the time since
// the last received event.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval  = 15 * time.Second
	DefaultProbeInterval = 30 * time.Second
)

// Health is the liveness verdict for one session.
type Health string

const (
	Healthy Health = "healthy"
	Stale   Health = "stale"
	Dead    Health = "dead"
)

// Thresholds bound the healthy and stale windows.
type Thresholds struct {
	Stale time.Duration
	Dead  time.Duration
}

// DefaultThresholds returns the per-transport design values.
func DefaultThresholds(kind transport.Kind) Thresholds {
	switch kind {
	case transport.KindBLE:
		return Thresholds{Stale: 90 * time.Second, Dead: 180 * time.Second}
	case transport.KindSerial:
		return Thresholds{Stale: 120 * time.Second, Dead: 300 * time.Second}
	default:
		return Thresholds{Stale: 60 * time.Second, Dead: 120 * time.Second}
	}
}

// Evaluate classifies elapsed time since the last event.
func (t Thresholds) Evaluate(elapsed time.Duration) Health {
	switch {
	case elapsed >= t.Dead:
		return Dead
	case elapsed >= t.Stale:
		return Stale
	default:
		return Healthy
	}
}

// Target is the session being watched.
type Target interface {
	LastEvent() time.Time
	Probe(ctx context.Context) error
}

// Listener receives transitions. Calls are made from the watchdog goroutine
// with no watchdog locks held.
type Listener interface {
	OnStale()
	OnHealthy()
	OnDead(reason string)
}

type Config struct {
	Thresholds    Thresholds
	PollInterval  time.Duration
	ProbeInterval time.Duration
	// Probe enables active keepalive writes.
	Probe bool
}

// ConfigFor builds the default config for a transport kind. Only the
// proximity-wireless transport probes actively.
func ConfigFor(kind transport.Kind) Config {
	return Config{
		Thresholds:    DefaultThresholds(kind),
		PollInterval:  DefaultPollInterval,
		ProbeInterval: DefaultProbeInterval,
		Probe:         kind == transport.KindBLE,
	}
}

// Watchdog polls one Target. It reports Dead exactly once; a new
// Watchdog is started for each session.
type Watchdog struct {
	cfg      Config
	target   Target
	listener Listener
	now      func() time.Time

	mu        sync.Mutex
	health    Health
	lastProbe time.Time
	dead      bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, target Target, listener Listener) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	return &Watchdog{
		cfg:      cfg,
		target:   target,
		listener: listener,
		now:      time.Now,
		health:   Healthy,
	}
}

// SetClock replaces the wall clock. Tests only.
func (w *Watchdog) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

func (w *Watchdog) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health
}

// Start launches the poll loop. Calling Start twice is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.lastProbe = w.now()
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.Check(ctx) == Dead {
					return
				}
			}
		}
	}()
}

// Stop ends the poll loop and waits for it to exit. Must not be called from
// a Listener callback.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Check runs one evaluation pass and returns the resulting health.
func (w *Watchdog) Check(ctx context.Context) Health {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return Dead
	}
	now := w.now()
	probeDue := w.cfg.Probe && now.Sub(w.lastProbe) >= w.cfg.ProbeInterval
	if probeDue {
		w.lastProbe = now
	}
	w.mu.Unlock()

	if probeDue {
		if err := w.target.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return w.Health()
			}
			log.Warn().Err(err).Msg("watchdog.Watchdog.Check probe failed")
			return w.transition(Dead, "probe failed: "+err.Error())
		}
	}

	elapsed := now.Sub(w.target.LastEvent())
	next := w.cfg.Thresholds.Evaluate(elapsed)
	reason := ""
	if next == Dead {
		reason = "no events for " + elapsed.Truncate(time.Second).String()
	}
	return w.transition(next, reason)
}

// Touch records that an event arrived. A stale verdict returns to healthy
// immediately and silently; the caller owns the visible status change.
func (w *Watchdog) Touch() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.health != Stale || w.dead {
		return false
	}
	w.health = Healthy
	return true
}

// MarkDead forces the dead transition, e.g. when the device reports the
// link gone. Only the first call notifies.
func (w *Watchdog) MarkDead(reason string) {
	w.transition(Dead, reason)
}

func (w *Watchdog) transition(next Health, reason string) Health {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return Dead
	}
	prev := w.health
	w.health = next
	if next == Dead {
		w.dead = true
	}
	w.mu.Unlock()

	if prev == next {
		return next
	}
	log.Debug().Str("from", string(prev)).Str("to", string(next)).Str("reason", reason).Msg("watchdog.Watchdog.transition")
	switch next {
	case Stale:
		w.listener.OnStale()
	case Healthy:
		w.listener.OnHealthy()
	case Dead:
		w.listener.OnDead(reason)
	}
	return next
}
