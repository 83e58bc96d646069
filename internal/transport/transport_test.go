package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/testutil/testlog"
	"github.com/danmuck/meshlink/internal/testutil/tlstest"
)

func TestParseNetworkAddressStripsSchemeAsTLSHint(t *testing.T) {
	testlog.Start(t)
	got, err := ParseNetworkAddress("https://10.0.0.5/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Host != "10.0.0.5" || !got.TLS {
		t.Fatalf("unexpected address=%+v", got)
	}
	if got.DialAddress() != "10.0.0.5:4403" {
		t.Fatalf("unexpected dial address=%q", got.DialAddress())
	}

	plain, err := ParseNetworkAddress("meshnode.local:4404")
	if err != nil {
		t.Fatalf("parse plain: %v", err)
	}
	if plain.TLS || plain.DialAddress() != "meshnode.local:4404" {
		t.Fatalf("unexpected plain address=%+v", plain)
	}

	httpAddr, err := ParseNetworkAddress("http://192.168.1.20/api?x=1")
	if err != nil {
		t.Fatalf("parse http: %v", err)
	}
	if httpAddr.TLS || httpAddr.Host != "192.168.1.20" {
		t.Fatalf("unexpected http address=%+v", httpAddr)
	}
}

func TestParseNetworkAddressRejectsMissingOrMalformed(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{"", "   ", "https://", "ftp://10.0.0.5", "user@host"} {
		if _, err := ParseNetworkAddress(raw); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("raw=%q expected ErrInvalidAddress, got %v", raw, err)
		}
	}
}

func TestTCPOpenerRequiresAddress(t *testing.T) {
	testlog.Start(t)
	f := NewFactory()
	f.Register(KindTCP, TCPOpener{ConnectTimeout: time.Second})
	if _, err := f.Open(context.Background(), Params{Kind: KindTCP}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestTCPOpenerDialsPlainSocket(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	h, err := TCPOpener{ConnectTimeout: time.Second}.Open(context.Background(), "tcp://"+ln.Addr().String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	if h.Kind() != KindTCP || h.TLS() {
		t.Fatalf("unexpected handle kind=%s tls=%v", h.Kind(), h.TLS())
	}
	if _, err := h.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(h, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("unexpected echo=%q", buf)
	}
}

func TestFactoryUnknownKind(t *testing.T) {
	testlog.Start(t)
	f := NewFactory()
	if _, err := f.Open(context.Background(), Params{Kind: "carrier-pigeon"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := ParseKind("usb"); err != nil {
		t.Fatalf("parse usb: %v", err)
	}
	if k, _ := ParseKind("Bluetooth"); k != KindBLE {
		t.Fatalf("unexpected kind=%q", k)
	}
}

func TestHandleCloseIdempotentAndBenign(t *testing.T) {
	testlog.Start(t)
	calls := 0
	h := NewHandle(KindBLE, "x", &bytes.Buffer{}, func() error {
		calls++
		return errors.ErrUnsupported
	})
	if err := h.Close(); err != nil {
		t.Fatalf("unsupported close should be suppressed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if calls != 1 {
		t.Fatalf("close fn called %d times", calls)
	}

	if err := NewHandle(KindSerial, "x", &bytes.Buffer{}, nil).Close(); err != nil {
		t.Fatalf("nil close fn: %v", err)
	}
	closed := NewHandle(KindTCP, "x", &bytes.Buffer{}, func() error { return os.ErrClosed })
	if err := closed.Close(); err != nil {
		t.Fatalf("already closed should be suppressed: %v", err)
	}

	boom := errors.New("boom")
	failing := NewHandle(KindTCP, "x", &bytes.Buffer{}, func() error { return boom })
	if err := failing.Close(); !errors.Is(err, ErrIO) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped io error, got %v", err)
	}
}

type nopPort struct {
	bytes.Buffer
	closed bool
}

func (p *nopPort) Close() error {
	p.closed = true
	return nil
}

func TestSerialOpenerEnumeratesAndSelects(t *testing.T) {
	testlog.Start(t)
	var opened string
	port := &nopPort{}
	sel := NewPendingSelector()
	opener := SerialOpener{
		Selector:  sel,
		ListPorts: func() ([]string, error) { return []string{"/dev/ttyUSB1", "/dev/ttyACM0"}, nil },
		OpenPort: func(name string, baud int) (io.ReadWriteCloser, error) {
			if baud != DefaultBaudRate {
				t.Errorf("unexpected baud=%d", baud)
			}
			opened = name
			return port, nil
		},
	}

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := opener.Open(context.Background(), "")
		done <- result{h, err}
	}()

	var pending PendingSelection
	deadline := time.Now().Add(2 * time.Second)
	for {
		p, ok := sel.Pending()
		if ok {
			pending = p
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("selection never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pending.Kind != KindSerial || len(pending.Candidates) != 2 || pending.Candidates[0].ID != "/dev/ttyACM0" {
		t.Fatalf("unexpected pending=%+v", pending)
	}
	if err := sel.Choose("/dev/ttyUSB1"); err != nil {
		t.Fatalf("choose: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("open: %v", r.err)
	}
	if opened != "/dev/ttyUSB1" || r.h.Address() != "/dev/ttyUSB1" {
		t.Fatalf("unexpected opened=%q addr=%q", opened, r.h.Address())
	}
	if err := r.h.Close(); err != nil || !port.closed {
		t.Fatalf("close err=%v closed=%v", err, port.closed)
	}
}

func TestSerialOpenerNoPorts(t *testing.T) {
	testlog.Start(t)
	opener := SerialOpener{ListPorts: func() ([]string, error) { return nil, nil }}
	if _, err := opener.Open(context.Background(), ""); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestPendingSelectorCancelIsDeviceUnavailable(t *testing.T) {
	testlog.Start(t)
	sel := NewPendingSelector()
	if err := sel.Cancel(); !errors.Is(err, ErrNoPendingSelection) {
		t.Fatalf("expected ErrNoPendingSelection, got %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := sel.Select(context.Background(), KindBLE, []Candidate{{ID: "a"}, {ID: "b"}})
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := sel.Pending(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("selection never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := sel.Choose("zzz"); err == nil {
		t.Fatalf("expected unknown candidate error")
	}
	if err := sel.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if _, ok := sel.Pending(); ok {
		t.Fatalf("selection should be cleared")
	}
}

type fakeBLELink struct {
	written      [][]byte
	fn           func([]byte)
	disconnected int
}

func (l *fakeBLELink) Write(p []byte) error {
	l.written = append(l.written, append([]byte(nil), p...))
	return nil
}

func (l *fakeBLELink) Subscribe(fn func([]byte)) error {
	l.fn = fn
	return nil
}

func (l *fakeBLELink) Disconnect() error {
	l.disconnected++
	return nil
}

type fakeBLEBackend struct {
	candidates []Candidate
	link       *fakeBLELink
	connected  string
}

func (b *fakeBLEBackend) Scan(context.Context, time.Duration) ([]Candidate, error) {
	return b.candidates, nil
}

func (b *fakeBLEBackend) Connect(_ context.Context, id string) (BLELink, error) {
	b.connected = id
	return b.link, nil
}

func TestBLEOpenerStreamsNotifications(t *testing.T) {
	testlog.Start(t)
	link := &fakeBLELink{}
	backend := &fakeBLEBackend{candidates: []Candidate{{ID: "AA:BB", Name: "mesh-1"}}, link: link}
	h, err := BLEOpener{Backend: backend}.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if backend.connected != "AA:BB" {
		t.Fatalf("single candidate should be auto-selected, got %q", backend.connected)
	}
	go link.fn([]byte("hello"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(h, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("unexpected payload=%q", buf)
	}
	if _, err := h.Write([]byte{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(link.written) != 1 {
		t.Fatalf("unexpected writes=%d", len(link.written))
	}
	_ = h.Close()
	_ = h.Close()
	if link.disconnected != 1 {
		t.Fatalf("disconnect called %d times", link.disconnected)
	}
	if _, err := h.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestBLEOpenerWithoutBackend(t *testing.T) {
	testlog.Start(t)
	_, err := BLEOpener{}.Open(context.Background(), "")
	if !errors.Is(err, ErrDeviceUnavailable) || !errors.Is(err, ErrBLEUnsupported) {
		t.Fatalf("unexpected err=%v", err)
	}
}

func TestTCPOpenerTLSHint(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "meshlink-test-ca")
	serverCfg := ca.ServerConfig(t, "radio", nil, []net.IP{net.ParseIP("127.0.0.1")})
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	opener := TCPOpener{
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		TLS:              TLSConfig{CAFile: ca.CAFile()},
	}
	h, err := opener.Open(context.Background(), "https://"+ln.Addr().String()+"/")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	if !h.TLS() {
		t.Fatalf("expected tls handle")
	}
	if _, err := h.Write([]byte("tls")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(h, buf); err != nil || string(buf) != "tls" {
		t.Fatalf("echo=%q err=%v", buf, err)
	}

	untrusted := TCPOpener{ConnectTimeout: time.Second, HandshakeTimeout: time.Second}
	if _, err := untrusted.Open(context.Background(), "tls://"+ln.Addr().String()); !errors.Is(err, ErrIO) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
}
