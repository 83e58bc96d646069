package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/protocol/frame"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

// fakeRadio answers a Client over one end of a net.Pipe.
type fakeRadio struct {
	t     *testing.T
	conn  net.Conn
	codec Codec

	mu       sync.Mutex
	received []Envelope
	silent   bool
}

func newFakeRadio(t *testing.T, conn net.Conn) *fakeRadio {
	codec, err := NewCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	r := &fakeRadio{t: t, conn: conn, codec: codec}
	go r.loop()
	return r
}

func (r *fakeRadio) loop() {
	reader := bufio.NewReader(r.conn)
	for {
		payload, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		env, err := r.codec.Decode(payload)
		if err != nil {
			r.t.Errorf("radio decode: %v", err)
			return
		}
		r.mu.Lock()
		r.received = append(r.received, env)
		silent := r.silent
		r.mu.Unlock()
		if silent {
			continue
		}
		switch env.Type {
		case MsgWantConfig:
			var req configRequest
			if err := r.codec.DecodeBody(env, &req); err != nil {
				r.t.Errorf("radio want_config: %v", err)
				return
			}
			battery := uint32(80)
			r.send(MsgMyInfo, Identity{MyNodeNum: 0x1234, Firmware: "2.5.0"})
			r.send(MsgNodeInfo, NodeInfo{Num: 0x1234, LongName: "Base", BatteryLevel: &battery})
			r.send(MsgChannel, Channel{Index: 0, Name: "LongFast", Role: ChannelPrimary})
			r.send(MsgConfigComplete, configRequest{Nonce: req.Nonce})
		case MsgText:
			r.send(MsgRouting, Routing{RequestID: env.ID})
		}
	}
}

func (r *fakeRadio) send(msgType string, body any) {
	data, err := r.codec.Encode(msgType, 0, body)
	if err != nil {
		r.t.Errorf("radio encode: %v", err)
		return
	}
	_ = frame.WriteFrame(r.conn, data, frame.DefaultLimits())
}

func (r *fakeRadio) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.received))
	for _, env := range r.received {
		out = append(out, env.Type)
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) has(match func(Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if match(ev) {
			return true
		}
	}
	return false
}

func (r *recorder) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if match(ev) {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event not observed; have %v", r.kinds())
	return Event{}
}

func subscribeAll(c *Client, rec *recorder) []Subscription {
	subs := make([]Subscription, 0, len(EventKinds()))
	for _, kind := range EventKinds() {
		subs = append(subs, c.Subscribe(kind, rec.handle))
	}
	return subs
}

func TestClientConfigureDeliversDumpInOrder(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	newFakeRadio(t, remote)

	c, err := NewClient(local)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	rec := &recorder{}
	subscribeAll(c, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Configure(ctx); err != nil {
		t.Fatalf("configure: %v", err)
	}
	rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventConfigComplete })

	var dump []EventKind
	for _, k := range rec.kinds() {
		if k == EventDeviceStatus {
			continue
		}
		dump = append(dump, k)
	}
	want := []EventKind{EventIdentity, EventNodeInfo, EventChannel, EventConfigComplete}
	if len(dump) != len(want) {
		t.Fatalf("unexpected dump kinds=%v", dump)
	}
	for i := range want {
		if dump[i] != want[i] {
			t.Fatalf("dump[%d]=%s want %s", i, dump[i], want[i])
		}
	}
	node := rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventNodeInfo })
	if node.Node.LongName != "Base" || node.Node.BatteryLevel == nil || *node.Node.BatteryLevel != 80 {
		t.Fatalf("unexpected node=%+v", node.Node)
	}
	rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventDeviceStatus && ev.Status == DeviceConfigured })
}

func TestClientSendTextCorrelatesRouting(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	newFakeRadio(t, remote)

	c, _ := NewClient(local)
	rec := &recorder{}
	subscribeAll(c, rec)
	ctx := context.Background()
	if err := c.Configure(ctx); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := c.SendText(ctx, TextRequest{Text: "hi"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing packet id should be rejected, got %v", err)
	}
	if err := c.SendText(ctx, TextRequest{PacketID: 77, Text: "hi", WantAck: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventRouting })
	if ev.Routing.RequestID != 77 || !ev.Routing.Acked() {
		t.Fatalf("unexpected routing=%+v", ev.Routing)
	}
}

func TestClientReadFailureReportsDisconnected(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer local.Close()
	newFakeRadio(t, remote)

	c, _ := NewClient(local)
	rec := &recorder{}
	subscribeAll(c, rec)
	if err := c.Configure(context.Background()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_ = remote.Close()
	ev := rec.waitFor(t, func(ev Event) bool {
		return ev.Kind == EventDeviceStatus && ev.Status == DeviceDisconnected
	})
	if ev.Err == nil {
		t.Fatalf("disconnected event should carry the read error")
	}
	if err := c.Heartbeat(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after failure, got %v", err)
	}
}

func TestClientDisconnectStopsDelivery(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	radio := newFakeRadio(t, remote)

	c, _ := NewClient(local)
	rec := &recorder{}
	subscribeAll(c, rec)
	if err := c.Configure(context.Background()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if err := c.SendText(context.Background(), TextRequest{PacketID: 1, Text: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		types := radio.types()
		if len(types) > 0 && types[len(types)-1] == MsgDisconnect {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("radio never saw disconnect: %v", types)
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = local.Close()
	time.Sleep(20 * time.Millisecond)
	if rec.has(func(ev Event) bool { return ev.Status == DeviceDisconnected }) {
		t.Fatalf("manual disconnect must not report a link failure")
	}
}

func TestClientConfigureTimeout(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	radio := newFakeRadio(t, remote)
	radio.mu.Lock()
	radio.silent = true
	radio.mu.Unlock()

	c, _ := NewClient(local)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Configure(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSubscriptionUnsubscribeIsIdempotent(t *testing.T) {
	testlog.Start(t)
	c, _ := NewClient(nil)
	calls := 0
	sub := c.Subscribe(EventHeartbeat, func(Event) { calls++ })
	other := c.Subscribe(EventHeartbeat, func(Event) {})
	c.emit(Event{Kind: EventHeartbeat})
	sub.Unsubscribe()
	sub.Unsubscribe()
	c.emit(Event{Kind: EventHeartbeat})
	if calls != 1 {
		t.Fatalf("unexpected calls=%d", calls)
	}
	if n := len(c.subs[EventHeartbeat]); n != 1 {
		t.Fatalf("unexpected remaining subscribers=%d", n)
	}
	other.Unsubscribe()
}

func TestAdminRequestValidate(t *testing.T) {
	testlog.Start(t)
	if err := (AdminRequest{Action: AdminReboot, Seconds: 5}).Validate(); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if err := (AdminRequest{Action: AdminSetOwner}).Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("set-owner without names should fail, got %v", err)
	}
	if err := (AdminRequest{Action: "self-destruct"}).Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown action should fail, got %v", err)
	}
}
