// Package fakedevice is an in-memory protocol.Device for tests.
package fakedevice

import (
	"context"
	"sync"

	"github.com/danmuck/meshlink/internal/protocol"
)

// Device records requests and lets tests inject events.
type Device struct {
	mu   sync.Mutex
	subs map[protocol.EventKind][]*sub
	next int

	// ConfigureFunc runs inside Configure; nil completes immediately.
	ConfigureFunc func(ctx context.Context, d *Device) error
	HeartbeatErr  error
	DisconnectErr error
	SendErr       error

	Texts       []protocol.TextRequest
	Positions   []uint32
	Traces      []uint32
	Configs     map[string]map[string]any
	Channels    []protocol.Channel
	Admins      []protocol.AdminRequest
	Heartbeats  int
	Disconnects int
	Configures  int
	// SubscribedAtConfigure is the subscriber count seen when Configure ran.
	SubscribedAtConfigure int
}

type sub struct {
	id   int
	kind protocol.EventKind
	fn   protocol.Handler
}

type subscription struct {
	once sync.Once
	d    *Device
	s    *sub
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
		list := s.d.subs[s.s.kind]
		for i, it := range list {
			if it.id == s.s.id {
				s.d.subs[s.s.kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	})
}

func New() *Device {
	return &Device{
		subs:    make(map[protocol.EventKind][]*sub),
		Configs: make(map[string]map[string]any),
	}
}

func (d *Device) Subscribe(kind protocol.EventKind, h protocol.Handler) protocol.Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	s := &sub{id: d.next, kind: kind, fn: h}
	d.subs[kind] = append(d.subs[kind], s)
	return &subscription{d: d, s: s}
}

// Subscribers counts live subscriptions across all kinds.
func (d *Device) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, list := range d.subs {
		n += len(list)
	}
	return n
}

// Emit delivers ev synchronously to current subscribers.
func (d *Device) Emit(ev protocol.Event) {
	d.mu.Lock()
	list := append([]*sub(nil), d.subs[ev.Kind]...)
	d.mu.Unlock()
	for _, s := range list {
		s.fn(ev)
	}
}

func (d *Device) Configure(ctx context.Context) error {
	d.mu.Lock()
	d.Configures++
	n := 0
	for _, list := range d.subs {
		n += len(list)
	}
	d.SubscribedAtConfigure = n
	fn := d.ConfigureFunc
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, d)
	}
	return nil
}

func (d *Device) SendText(_ context.Context, req protocol.TextRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SendErr != nil {
		return d.SendErr
	}
	d.Texts = append(d.Texts, req)
	return nil
}

func (d *Device) RequestPosition(_ context.Context, node uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Positions = append(d.Positions, node)
	return nil
}

func (d *Device) TraceRoute(_ context.Context, dest uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Traces = append(d.Traces, dest)
	return nil
}

func (d *Device) SetConfig(_ context.Context, section string, values map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Configs[section] = values
	return nil
}

func (d *Device) SetChannel(_ context.Context, ch protocol.Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Channels = append(d.Channels, ch)
	return nil
}

func (d *Device) Admin(_ context.Context, req protocol.AdminRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Admins = append(d.Admins, req)
	return nil
}

func (d *Device) Heartbeat(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Heartbeats++
	return d.HeartbeatErr
}

func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Disconnects++
	return d.DisconnectErr
}

// TextCount is the number of SendText calls that reached the device.
func (d *Device) TextCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Texts)
}

// LastText returns the most recent SendText request.
func (d *Device) LastText() (protocol.TextRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Texts) == 0 {
		return protocol.TextRequest{}, false
	}
	return d.Texts[len(d.Texts)-1], true
}

// DisconnectCount is the number of Disconnect calls.
func (d *Device) DisconnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Disconnects
}
