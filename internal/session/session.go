package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrConfigurationTimeout = errors.New("session: configuration timed out")
	ErrTornDown             = errors.New("session: torn down")
)

// Handler receives every event of a session. The session pointer lets the
// receiver drop events from sessions it no longer owns.
type Handler func(s *Session, ev protocol.Event)

// DeviceFactory builds the protocol device for a freshly opened handle.
type DeviceFactory func(h *transport.Handle) (protocol.Device, error)

// ProtocolDevice is the default DeviceFactory.
func ProtocolDevice(h *transport.Handle) (protocol.Device, error) {
	return protocol.NewClient(h)
}

var nextID atomic.Uint64

// Session is one transport handle plus its protocol device.
type Session struct {
	id     uint64
	cfg    Config
	params transport.Params
	handle *transport.Handle
	device protocol.Device
	now    func() time.Time

	mu        sync.Mutex
	lastEvent time.Time
	subs      []protocol.Subscription
	tornDown  bool
}

func New(params transport.Params, h *transport.Handle, dev protocol.Device, cfg Config) *Session {
	return &Session{
		id:     nextID.Add(1),
		cfg:    cfg.WithDefaults(),
		params: params,
		handle: h,
		device: dev,
		now:    time.Now,
	}
}

// SetClock replaces the liveness clock. Tests only.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Session) ID() uint64                { return s.id }
func (s *Session) Params() transport.Params  { return s.params }
func (s *Session) Kind() transport.Kind      { return s.params.Kind }
func (s *Session) Device() protocol.Device   { return s.device }
func (s *Session) Handle() *transport.Handle { return s.handle }

// Configure subscribes handler to every event kind and only then asks the
// device for its configuration dump. Subscriptions are released if the
// handshake fails.
func (s *Session) Configure(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return ErrTornDown
	}
	s.lastEvent = s.now()
	for _, kind := range protocol.EventKinds() {
		s.subs = append(s.subs, s.device.Subscribe(kind, func(ev protocol.Event) {
			s.stamp()
			handler(s, ev)
		}))
	}
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConfigureTimeout)
	defer cancel()
	err := s.device.Configure(cctx)
	if err == nil {
		log.Debug().Uint64("session", s.id).Str("params", s.params.String()).Msg("session.Session.Configure complete")
		return nil
	}

	s.release()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrConfigurationTimeout, s.cfg.ConfigureTimeout)
	}
	return err
}

// stamp advances the liveness timestamp, keeping it strictly increasing.
func (s *Session) stamp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !now.After(s.lastEvent) {
		now = s.lastEvent.Add(time.Nanosecond)
	}
	s.lastEvent = now
}

// LastEvent is the time the most recent event was received.
func (s *Session) LastEvent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEvent
}

// Probe writes a keepalive to the device.
func (s *Session) Probe(ctx context.Context) error {
	s.mu.Lock()
	torn := s.tornDown
	s.mu.Unlock()
	if torn {
		return ErrTornDown
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	return s.device.Heartbeat(pctx)
}

func (s *Session) release() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Teardown releases subscriptions, tells the device goodbye and closes the
// transport. Safe to call more than once; only the first call acts.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.mu.Unlock()

	s.release()

	done := make(chan error, 1)
	go func() { done <- s.device.Disconnect() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, protocol.ErrClosed) {
			log.Warn().Err(err).Uint64("session", s.id).Msg("session.Session.Teardown device disconnect")
		}
	case <-time.After(s.cfg.DisconnectTimeout):
		log.Warn().Uint64("session", s.id).Dur("timeout", s.cfg.DisconnectTimeout).Msg("session.Session.Teardown device disconnect timed out")
	}

	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		log.Warn().Err(err).Uint64("session", s.id).Msg("session.Session.Teardown close transport")
	}
}
