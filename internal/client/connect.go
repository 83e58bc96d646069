package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/reconnect"
	"github.com/danmuck/meshlink/internal/session"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/danmuck/meshlink/internal/watchdog"
	"github.com/rs/zerolog/log"
)

// Connect tears down any existing session, then opens and configures a new
// one for p. Failures are returned and leave the status disconnected.
func (c *Client) Connect(ctx context.Context, p transport.Params) error {
	kind, err := transport.ParseKind(string(p.Kind))
	if err != nil {
		return err
	}
	p.Kind = kind
	fx := &effects{}
	c.mu.Lock()
	c.started = true
	c.gen++
	gen := c.gen
	old, oldWD := c.detachLocked()
	params := p
	c.params = &params
	c.resolved = ""
	c.setStatusLocked(fx, StatusConnecting, "connect "+p.String())
	c.unlockAndFlush(fx)

	c.super.Cancel()
	release(old, oldWD)

	err = c.establish(ctx, gen, p)
	if err == nil {
		return nil
	}
	fx = &effects{}
	c.mu.Lock()
	if c.gen == gen {
		c.params = nil
		c.setStatusLocked(fx, StatusDisconnected, err.Error())
	}
	c.unlockAndFlush(fx)
	log.Warn().Err(err).Str("params", p.String()).Msg("client.Client.Connect failed")
	return err
}

// Disconnect advances the generation, cancels any reconnection, and tears
// down the session and its watchdog before returning.
func (c *Client) Disconnect() {
	fx := &effects{}
	c.mu.Lock()
	c.gen++
	old, oldWD := c.detachLocked()
	c.params = nil
	c.setStatusLocked(fx, StatusDisconnected, "manual disconnect")
	c.unlockAndFlush(fx)

	c.super.Cancel()
	release(old, oldWD)
}

func (c *Client) detachLocked() (*session.Session, *watchdog.Watchdog) {
	old, wd := c.sess, c.wd
	c.sess, c.wd = nil, nil
	return old, wd
}

func release(s *session.Session, wd *watchdog.Watchdog) {
	if wd != nil {
		wd.Stop()
	}
	if s != nil {
		s.Teardown()
	}
}

// establish opens the transport, installs the session, and configures it.
// The generation is re-checked after each blocking step.
func (c *Client) establish(ctx context.Context, gen uint64, p transport.Params) error {
	h, err := c.dialer.Open(ctx, p)
	if err != nil {
		return err
	}

	fx := &effects{}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = h.Close()
		return ErrSuperseded
	}
	dev, err := c.cfg.NewDevice(h)
	if err != nil {
		c.mu.Unlock()
		_ = h.Close()
		return fmt.Errorf("client: protocol device: %w", err)
	}
	s := session.New(p, h, dev, c.cfg.Session)
	c.sess = s
	c.setStatusLocked(fx, StatusConnected, "transport open "+p.String())
	c.unlockAndFlush(fx)

	err = s.Configure(ctx, c.handleEvent)

	fx = &effects{}
	c.mu.Lock()
	if c.lost == s {
		err = fmt.Errorf("%w: link lost during configuration: %s", transport.ErrIO, c.lostReason)
		c.lost, c.lostReason = nil, ""
	}
	if c.gen != gen {
		c.mu.Unlock()
		s.Teardown()
		return ErrSuperseded
	}
	if err == nil && c.sess != s {
		err = fmt.Errorf("%w: session replaced during configuration", transport.ErrIO)
	}
	if err != nil {
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		s.Teardown()
		return err
	}
	wd := watchdog.New(c.watchdogConfig(p.Kind), s, watchdogListener{c: c, s: s})
	c.wd = wd
	c.resolved = h.Address()
	wd.Start(context.Background())
	c.setStatusLocked(fx, StatusConfigured, "configuration complete")
	c.unlockAndFlush(fx)
	log.Info().Str("params", p.String()).Uint64("session", s.ID()).Uint64("generation", gen).Msg("client.Client.establish configured")
	return nil
}

// Reestablish implements reconnect.Connector.
func (c *Client) Reestablish(ctx context.Context, gen uint64, attempt int) error {
	fx := &effects{}
	c.mu.Lock()
	if c.gen != gen || c.params == nil {
		c.mu.Unlock()
		return reconnect.ErrSuperseded
	}
	p := *c.params
	if p.Address == "" && p.Kind != transport.KindTCP {
		p.Address = c.resolved
	}
	old, oldWD := c.detachLocked()
	c.setStatusLocked(fx, StatusReconnecting, fmt.Sprintf("attempt %d", attempt))
	c.unlockAndFlush(fx)
	release(old, oldWD)

	err := c.establish(ctx, gen, p)
	if errors.Is(err, ErrSuperseded) {
		return err
	}
	observability.RecordReconnectAttempt(string(p.Kind), err == nil)
	if err != nil {
		fx = &effects{}
		c.mu.Lock()
		if c.gen == gen {
			c.setStatusLocked(fx, StatusReconnecting, err.Error())
		}
		c.unlockAndFlush(fx)
	}
	return err
}

// GiveUp implements reconnect.Connector.
func (c *Client) GiveUp(gen uint64) {
	fx := &effects{}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	old, oldWD := c.detachLocked()
	c.params = nil
	c.setStatusLocked(fx, StatusDisconnected, "reconnection attempts exhausted")
	c.unlockAndFlush(fx)
	release(old, oldWD)
}

// handleDead is the single path out of a presumed-dead session. Only the
// first report for the active session acts.
func (c *Client) handleDead(s *session.Session, reason string) {
	fx := &effects{}
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	if c.wd == nil {
		// Still configuring: establish owns the outcome.
		c.lost, c.lostReason = s, reason
		c.mu.Unlock()
		log.Warn().Str("reason", reason).Str("transport", string(s.Kind())).Msg("client.Client.handleDead during configuration")
		s.Teardown()
		return
	}
	gen := c.gen
	_, wd := c.detachLocked()
	retry := c.reconnects(s.Kind())
	if retry {
		c.setStatusLocked(fx, StatusReconnecting, reason)
	} else {
		c.params = nil
		c.setStatusLocked(fx, StatusDisconnected, reason)
	}
	c.unlockAndFlush(fx)

	log.Warn().Str("reason", reason).Str("transport", string(s.Kind())).Bool("reconnect", retry).Msg("client.Client.handleDead")
	if wd != nil {
		// May be running on the watchdog goroutine itself.
		go wd.Stop()
	}
	s.Teardown()
	if retry {
		c.super.Trigger(gen)
	}
}

func (c *Client) handleStale(s *session.Session) {
	fx := &effects{}
	c.mu.Lock()
	if c.sess == s && c.status == StatusConfigured {
		c.setStatusLocked(fx, StatusStale, "no recent events")
	}
	c.unlockAndFlush(fx)
}

func (c *Client) handleHealthy(s *session.Session) {
	fx := &effects{}
	c.mu.Lock()
	if c.sess == s && c.status == StatusStale {
		c.setStatusLocked(fx, StatusConfigured, "events resumed")
	}
	c.unlockAndFlush(fx)
}

type watchdogListener struct {
	c *Client
	s *session.Session
}

func (l watchdogListener) OnStale() {
	observability.RecordWatchdog(string(l.s.Kind()), string(watchdog.Stale))
	l.c.handleStale(l.s)
}

func (l watchdogListener) OnHealthy() {
	observability.RecordWatchdog(string(l.s.Kind()), string(watchdog.Healthy))
	l.c.handleHealthy(l.s)
}

func (l watchdogListener) OnDead(reason string) {
	observability.RecordWatchdog(string(l.s.Kind()), string(watchdog.Dead))
	l.c.handleDead(l.s, reason)
}
