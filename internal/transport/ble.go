package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Mesh radio GATT identifiers.
const (
	BLEServiceUUID   = "6ba1b218-15a8-461f-9fa8-5dcae273eafd"
	BLEToRadioUUID   = "f75c76d2-129e-4dad-a1dd-7866124401e7"
	BLEFromRadioUUID = "2c55e69e-4993-11ed-b878-0242ac120002"
	BLEFromNumUUID   = "ed9da18c-a800-4f66-a670-aa7547e34453"
)

var ErrBLEUnsupported = errors.New("transport: ble backend not available in this build")

// BLEBackend abstracts the host Bluetooth stack.
type BLEBackend interface {
	Scan(ctx context.Context, timeout time.Duration) ([]Candidate, error)
	Connect(ctx context.Context, id string) (BLELink, error)
}

// BLELink is one connected peripheral exposing the mesh service.
type BLELink interface {
	Write(p []byte) error
	// Subscribe registers fn for inbound payloads. fn may block.
	Subscribe(fn func([]byte)) error
	Disconnect() error
}

// BLEOpener opens the proximity-wireless transport.
type BLEOpener struct {
	Backend     BLEBackend
	Selector    Selector
	ScanTimeout time.Duration
}

func (o BLEOpener) Open(ctx context.Context, address string) (*Handle, error) {
	if o.Backend == nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, ErrBLEUnsupported)
	}
	id := address
	if id == "" {
		timeout := o.ScanTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		candidates, err := o.Backend.Scan(ctx, timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: ble scan: %w", ErrIO, err)
		}
		chosen, err := resolveCandidate(ctx, o.Selector, KindBLE, candidates)
		if err != nil {
			return nil, err
		}
		id = chosen.ID
	}

	link, err := o.Backend.Connect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: ble connect %s: %w", ErrIO, id, err)
	}
	conn := newBLEConn(link)
	if err := link.Subscribe(conn.deliver); err != nil {
		_ = link.Disconnect()
		return nil, fmt.Errorf("%w: ble subscribe: %w", ErrIO, err)
	}
	return NewHandle(KindBLE, id, conn, conn.Close), nil
}

// bleConn turns characteristic notifications into a byte stream.
type bleConn struct {
	link BLELink
	in   chan []byte
	done chan struct{}
	buf  []byte

	readMu    sync.Mutex
	closeOnce sync.Once
}

func newBLEConn(link BLELink) *bleConn {
	return &bleConn{
		link: link,
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *bleConn) deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := append([]byte(nil), p...)
	select {
	case c.in <- cp:
	case <-c.done:
	}
}

func (c *bleConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.buf) == 0 {
		select {
		case chunk := <-c.in:
			c.buf = chunk
		case <-c.done:
			return 0, io.EOF
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *bleConn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, io.ErrClosedPipe
	default:
	}
	if err := c.link.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *bleConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.link.Disconnect()
	})
	return err
}
