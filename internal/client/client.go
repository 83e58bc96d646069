// Package client is the session facade: the one object callers use to
// connect to a radio, observe its state and issue commands.
//
// All state transitions, event application and timer callbacks are
// serialized by a single mutex. Blocking work (transport open, the
// configuration handshake, teardown, backoff) runs with the mutex released
// and the reconnection generation is re-checked after every resume.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/reconnect"
	"github.com/danmuck/meshlink/internal/session"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/danmuck/meshlink/internal/watchdog"
)

var (
	ErrNotConnected    = errors.New("client: not connected")
	ErrDeliveryFailed  = errors.New("client: delivery failed")
	ErrAlreadySeeded   = errors.New("client: seed must happen before connecting")
	ErrSuperseded      = fmt.Errorf("client: %w", reconnect.ErrSuperseded)
	ErrInvalidArgument = errors.New("client: invalid argument")
)

// DeliveryError is a negative acknowledgement or timeout for one message.
type DeliveryError struct {
	PacketID uint32
	Reason   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("client: delivery of packet %d failed: %s", e.PacketID, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return ErrDeliveryFailed }

// Status is the single externally visible session state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusConfigured   Status = "configured"
	StatusStale        Status = "stale"
	StatusReconnecting Status = "reconnecting"
)

func Statuses() []Status {
	return []Status{
		StatusDisconnected,
		StatusConnecting,
		StatusConnected,
		StatusConfigured,
		StatusStale,
		StatusReconnecting,
	}
}

// Dialer opens transport handles; *transport.Factory satisfies it.
type Dialer interface {
	Open(ctx context.Context, p transport.Params) (*transport.Handle, error)
}

// Persister receives every node and message mutation. Implementations must
// not block; the storage writer queues.
type Persister interface {
	SaveNode(n domain.NodeRecord)
	SaveMessage(m domain.MessageRecord)
	DeleteNode(num uint32)
}

type nopPersister struct{}

func (nopPersister) SaveNode(domain.NodeRecord)       {}
func (nopPersister) SaveMessage(domain.MessageRecord) {}
func (nopPersister) DeleteNode(uint32)                {}

// Config wires the facade's collaborators and timing.
type Config struct {
	Session   session.Config
	Reconnect reconnect.Config
	// Watchdog overrides per transport kind; missing kinds use
	// watchdog.ConfigFor.
	Watchdog map[transport.Kind]watchdog.Config
	// ReconnectKinds lists transports that reconnect automatically. Empty
	// means every kind.
	ReconnectKinds []transport.Kind
	AckTimeout     time.Duration
	NewDevice      session.DeviceFactory
}

func DefaultConfig() Config {
	return Config{
		Session:    session.DefaultConfig(),
		Reconnect:  reconnect.DefaultConfig(),
		AckTimeout: 60 * time.Second,
		NewDevice:  session.ProtocolDevice,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = d.Reconnect
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.NewDevice == nil {
		c.NewDevice = d.NewDevice
	}
	return c
}

// Client is the session facade.
type Client struct {
	cfg     Config
	dialer  Dialer
	persist Persister
	super   *reconnect.Supervisor
	outbox  *Outbox
	now     func() time.Time

	// flushMu orders persistence across mutators. Taken before mu is
	// released; never held while acquiring mu.
	flushMu sync.Mutex

	mu     sync.Mutex
	status Status
	params *transport.Params
	// resolved is the address the last configured handle bound to, reused
	// by reconnection when params leave the address empty.
	resolved string
	gen      uint64
	sess     *session.Session
	wd       *watchdog.Watchdog
	// lost is set when a session dies before its handshake finishes.
	lost       *session.Session
	lostReason string
	state       *domain.State
	nextPacket  uint32
	watchers    map[int]chan Notification
	nextWatcher int
	started     bool
}

func New(cfg Config, dialer Dialer, persist Persister) *Client {
	if persist == nil {
		persist = nopPersister{}
	}
	c := &Client{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		persist:    persist,
		outbox:     NewOutbox(),
		now:        time.Now,
		status:     StatusDisconnected,
		state:      domain.NewState(),
		nextPacket: rand.Uint32(),
		watchers:   make(map[int]chan Notification),
	}
	c.super = reconnect.New(c.cfg.Reconnect, c)
	return c
}

// Supervisor exposes the reconnection supervisor for tests and tuning.
func (c *Client) Supervisor() *reconnect.Supervisor { return c.super }

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Params returns the captured connection parameters, if any.
func (c *Client) Params() (transport.Params, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params == nil {
		return transport.Params{}, false
	}
	return *c.params, true
}

// Generation is the manual connect/disconnect counter.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Connected reports whether a transport handle is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

func (c *Client) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Snapshot()
}

func (c *Client) Nodes() []domain.NodeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Nodes()
}

func (c *Client) Node(num uint32) (domain.NodeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Node(num)
}

func (c *Client) Messages() []domain.MessageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Messages()
}

func (c *Client) Channels() []domain.ChannelDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Channels()
}

func (c *Client) Telemetry(num uint32) []domain.TelemetrySample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Telemetry(num)
}

func (c *Client) Self() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Self()
}

// Pending lists messages still awaiting a delivery report.
func (c *Client) Pending() []PendingDelivery {
	return c.outbox.List()
}

// Seed bulk-loads persisted records. It must run before the first Connect.
func (c *Client) Seed(nodes []domain.NodeRecord, messages []domain.MessageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadySeeded
	}
	c.state.Seed(nodes, messages)
	return nil
}

// Close disconnects and stops every pending delivery timer.
func (c *Client) Close() {
	c.Disconnect()
	c.super.Wait()
	c.outbox.StopAll()
	c.mu.Lock()
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.mu.Unlock()
}

func (c *Client) reconnects(kind transport.Kind) bool {
	if len(c.cfg.ReconnectKinds) == 0 {
		return true
	}
	for _, k := range c.cfg.ReconnectKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (c *Client) watchdogConfig(kind transport.Kind) watchdog.Config {
	if cfg, ok := c.cfg.Watchdog[kind]; ok {
		return cfg
	}
	return watchdog.ConfigFor(kind)
}

func (c *Client) nextPacketIDLocked() uint32 {
	c.nextPacket++
	if c.nextPacket == 0 {
		c.nextPacket++
	}
	return c.nextPacket
}
