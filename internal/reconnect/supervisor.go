// Package reconnect re-establishes a session after the watchdog declares
// it dead, with bounded exponential backoff.
package reconnect

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultMaxAttempts = 5

// ErrSuperseded is returned by a Connector when a newer manual action has
// invalidated the attempt.
var ErrSuperseded = errors.New("reconnect: superseded")

type Config struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

// DefaultConfig yields delays of 2s, 4s, 8s, 16s, 32s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Backoff: BackoffConfig{
			InitialDelay: 2 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     32 * time.Second,
		},
	}
}

// Connector is the owner of session state; the supervisor only decides when
// to call it.
type Connector interface {
	// Generation is the current manual-action counter.
	Generation() uint64
	// Reestablish tears down any remnant and opens a fresh session for the
	// captured parameters. It must re-check gen after every blocking step.
	Reestablish(ctx context.Context, gen uint64, attempt int) error
	// GiveUp settles the owner to disconnected after the last failure.
	GiveUp(gen uint64)
}

// SleepFunc waits d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type run struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs at most one reconnection sequence at a time.
type Supervisor struct {
	cfg   Config
	conn  Connector
	sleep SleepFunc
	rng   *rand.Rand

	mu     sync.Mutex
	active *run
	last   *run
}

func New(cfg Config, conn Connector) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Supervisor{
		cfg:   cfg,
		conn:  conn,
		sleep: sleepContext,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSleep replaces the backoff wait. Tests only.
func (s *Supervisor) SetSleep(fn SleepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleep = fn
}

// Active reports whether a sequence is running.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Trigger starts a sequence bound to gen. It is a no-op returning false
// when a sequence is already running.
func (s *Supervisor) Trigger(gen uint64) bool {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		log.Debug().Uint64("generation", gen).Msg("reconnect.Supervisor.Trigger already active")
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{gen: gen, cancel: cancel, done: make(chan struct{})}
	s.active = r
	s.last = r
	sleep := s.sleep
	s.mu.Unlock()

	go s.loop(ctx, r, sleep)
	return true
}

// Cancel stops the running sequence, if any. The sequence would also abort
// on its own at the next generation check.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	r := s.active
	s.active = nil
	s.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// Wait blocks until the most recently triggered sequence has finished.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	r := s.last
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

func (s *Supervisor) current(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == r
}

// valid is the resume-point check: still the active instance and no manual
// action since scheduling.
func (s *Supervisor) valid(r *run) bool {
	return s.current(r) && s.conn.Generation() == r.gen
}

func (s *Supervisor) loop(ctx context.Context, r *run, sleep SleepFunc) {
	defer func() {
		s.mu.Lock()
		if s.active == r {
			s.active = nil
		}
		s.mu.Unlock()
		r.cancel()
		close(r.done)
	}()

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		delay := NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
		log.Info().
			Uint64("generation", r.gen).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.MaxAttempts).
			Dur("delay", delay).
			Msg("reconnect.Supervisor.loop scheduling attempt")
		if err := sleep(ctx, delay); err != nil {
			log.Debug().Err(err).Uint64("generation", r.gen).Msg("reconnect.Supervisor.loop cancelled during backoff")
			return
		}
		if !s.valid(r) {
			log.Debug().Uint64("generation", r.gen).Msg("reconnect.Supervisor.loop superseded")
			return
		}
		err := s.conn.Reestablish(ctx, r.gen, attempt)
		if err == nil {
			log.Info().Uint64("generation", r.gen).Int("attempt", attempt).Msg("reconnect.Supervisor.loop reconnected")
			return
		}
		if errors.Is(err, ErrSuperseded) || !s.valid(r) {
			log.Debug().Uint64("generation", r.gen).Msg("reconnect.Supervisor.loop superseded")
			return
		}
		log.Warn().Err(err).Uint64("generation", r.gen).Int("attempt", attempt).Msg("reconnect.Supervisor.loop attempt failed")
	}

	if !s.valid(r) {
		return
	}
	log.Warn().Uint64("generation", r.gen).Int("attempts", s.cfg.MaxAttempts).Msg("reconnect.Supervisor.loop giving up")
	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()
	s.conn.GiveUp(r.gen)
}
