package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/danmuck/meshlink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Client is the reference Device adapter. It frames CBOR envelopes over any
// byte stream and fans decoded events out to subscribers.
type Client struct {
	rw     io.ReadWriter
	reader *bufio.Reader
	codec  Codec
	limits frame.Limits

	writeMu sync.Mutex

	mu       sync.Mutex
	subs     map[EventKind][]*subscriber
	nextSub  uint64
	started  bool
	closed   bool
	done     chan struct{}
	waiting  map[uint32]chan struct{}
	nonceGen func() uint32
}

type subscriber struct {
	id   uint64
	kind EventKind
	fn   Handler
}

type subscription struct {
	once   sync.Once
	client *Client
	sub    *subscriber
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.client.remove(s.sub) })
}

// NewClient wraps rw. The read loop starts on the first Configure call.
func NewClient(rw io.ReadWriter) (*Client, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	return &Client{
		rw:       rw,
		reader:   bufio.NewReader(rw),
		codec:    codec,
		limits:   frame.DefaultLimits(),
		subs:     make(map[EventKind][]*subscriber),
		done:     make(chan struct{}),
		waiting:  make(map[uint32]chan struct{}),
		nonceGen: rand.Uint32,
	}, nil
}

func (c *Client) Subscribe(kind EventKind, h Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	sub := &subscriber{id: c.nextSub, kind: kind, fn: h}
	c.subs[kind] = append(c.subs[kind], sub)
	return &subscription{client: c, sub: sub}
}

func (c *Client) remove(sub *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			c.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Configure requests the device state dump and blocks until the device
// reports config complete for this request.
func (c *Client) Configure(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.started = true
		go c.readLoop()
	}
	nonce := c.nonceGen()
	for nonce == 0 || c.waiting[nonce] != nil {
		nonce++
	}
	wait := make(chan struct{})
	c.waiting[nonce] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiting, nonce)
		c.mu.Unlock()
	}()

	c.emit(Event{Kind: EventDeviceStatus, Status: DeviceConfiguring})
	if err := c.write(ctx, MsgWantConfig, 0, configRequest{Nonce: nonce}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case <-wait:
		c.emit(Event{Kind: EventDeviceStatus, Status: DeviceConfigured})
		return nil
	}
}

func (c *Client) SendText(ctx context.Context, req TextRequest) error {
	if req.Text == "" || req.PacketID == 0 {
		return ErrInvalidRequest
	}
	if req.To == 0 {
		req.To = Broadcast
	}
	return c.write(ctx, MsgText, req.PacketID, req)
}

func (c *Client) RequestPosition(ctx context.Context, node uint32) error {
	if node == 0 {
		return ErrInvalidRequest
	}
	return c.write(ctx, MsgPositionRequest, 0, nodeRequest{Node: node})
}

func (c *Client) TraceRoute(ctx context.Context, dest uint32) error {
	if dest == 0 {
		return ErrInvalidRequest
	}
	return c.write(ctx, MsgTraceRouteRequest, 0, nodeRequest{Node: dest})
}

func (c *Client) SetConfig(ctx context.Context, section string, values map[string]any) error {
	if section == "" {
		return ErrInvalidRequest
	}
	return c.write(ctx, MsgSetConfig, 0, configSection{Section: section, Values: values})
}

func (c *Client) SetChannel(ctx context.Context, ch Channel) error {
	if ch.Index >= MaxChannels {
		return ErrInvalidRequest
	}
	return c.write(ctx, MsgSetChannel, 0, ch)
}

func (c *Client) Admin(ctx context.Context, req AdminRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return c.write(ctx, MsgAdmin, 0, req)
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.write(ctx, MsgHeartbeat, 0, nil)
}

// Disconnect tells the radio the client is leaving and stops event delivery.
// It does not wait for the read loop; closing the stream ends it.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.writeEnvelope(MsgDisconnect, 0, nil)
}

func (c *Client) write(ctx context.Context, msgType string, id uint32, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.writeEnvelope(msgType, id, body)
}

func (c *Client) writeEnvelope(msgType string, id uint32, body any) error {
	data, err := c.codec.Encode(msgType, id, body)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.WriteFrame(c.rw, data, c.limits); err != nil {
		return fmt.Errorf("protocol: write %s: %w", msgType, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		payload, err := frame.ReadFrame(c.reader, c.limits)
		if err != nil {
			c.fail(err)
			return
		}
		env, err := c.codec.Decode(payload)
		if err != nil {
			log.Debug().Err(err).Msg("protocol.Client.readLoop drop frame")
			continue
		}
		ev, err := c.codec.ToEvent(env)
		if err != nil {
			log.Debug().Err(err).Str("type", env.Type).Msg("protocol.Client.readLoop drop envelope")
			continue
		}
		if ev.Kind == EventConfigComplete {
			c.complete(ev.Nonce)
		}
		c.emit(ev)
	}
}

func (c *Client) complete(nonce uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait, ok := c.waiting[nonce]; ok {
		close(wait)
		delete(c.waiting, nonce)
	}
}

// fail reports a transport-level read failure once, unless Disconnect has
// already been called.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if errors.Is(err, io.EOF) {
		log.Info().Msg("protocol.Client.readLoop stream closed")
	} else {
		log.Warn().Err(err).Msg("protocol.Client.readLoop read failed")
	}
	c.dispatch(Event{Kind: EventDeviceStatus, Status: DeviceDisconnected, Err: err})
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.dispatch(ev)
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	list := append([]*subscriber(nil), c.subs[ev.Kind]...)
	c.mu.Unlock()
	for _, s := range list {
		s.fn(ev)
	}
}
