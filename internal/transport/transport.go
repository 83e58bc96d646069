package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
)

var (
	ErrInvalidAddress    = errors.New("transport: invalid address")
	ErrDeviceUnavailable = errors.New("transport: device unavailable")
	ErrIO                = errors.New("transport: io error")
	ErrUnknownKind       = errors.New("transport: unknown kind")
)

// Kind identifies the physical link to the radio.
type Kind string

const (
	KindBLE    Kind = "ble"
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
)

// Kinds lists every supported transport kind.
func Kinds() []Kind {
	return []Kind{KindBLE, KindSerial, KindTCP}
}

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ble", "bluetooth":
		return KindBLE, nil
	case "serial", "usb":
		return KindSerial, nil
	case "tcp", "network", "http", "net":
		return KindTCP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Params is the connection target captured when a session is requested.
type Params struct {
	Kind    Kind   `json:"kind"`
	Address string `json:"address,omitempty"`
}

func (p Params) String() string {
	if p.Address == "" {
		return string(p.Kind)
	}
	return string(p.Kind) + ":" + p.Address
}

// Opener produces handles for one transport kind.
type Opener interface {
	Open(ctx context.Context, address string) (*Handle, error)
}

// OpenerFunc adapts a function into an Opener.
type OpenerFunc func(ctx context.Context, address string) (*Handle, error)

func (f OpenerFunc) Open(ctx context.Context, address string) (*Handle, error) {
	return f(ctx, address)
}

// Factory dispatches Open calls to the opener registered for a kind.
type Factory struct {
	mu      sync.RWMutex
	openers map[Kind]Opener
}

func NewFactory() *Factory {
	return &Factory{openers: make(map[Kind]Opener)}
}

func (f *Factory) Register(kind Kind, opener Opener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openers[kind] = opener
}

func (f *Factory) Supports(kind Kind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.openers[kind]
	return ok
}

func (f *Factory) Open(ctx context.Context, p Params) (*Handle, error) {
	f.mu.RLock()
	opener, ok := f.openers[p.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	return opener.Open(ctx, strings.TrimSpace(p.Address))
}

// Handle is one open byte pipe to the radio. The close operation is optional.
type Handle struct {
	kind    Kind
	address string
	tls     bool
	rw      io.ReadWriter

	closeFn   func() error
	closeOnce sync.Once
	closeErr  error
}

func NewHandle(kind Kind, address string, rw io.ReadWriter, closeFn func() error) *Handle {
	return &Handle{kind: kind, address: address, rw: rw, closeFn: closeFn}
}

func (h *Handle) Kind() Kind      { return h.kind }
func (h *Handle) Address() string { return h.address }
func (h *Handle) TLS() bool       { return h.tls }

func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.rw.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, err
}

func (h *Handle) Write(p []byte) (int, error) {
	n, err := h.rw.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, nil
}

// Close releases the link. Repeated calls return the first result, and
// links that lack a close operation or are already closed report nil.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.closeFn == nil {
			return
		}
		if err := h.closeFn(); err != nil && !IsBenignCloseError(err) {
			h.closeErr = fmt.Errorf("%w: %w", ErrIO, err)
		}
	})
	return h.closeErr
}

// IsBenignCloseError reports close failures that only say the link is
// already gone or cannot be closed explicitly.
func IsBenignCloseError(err error) bool {
	return errors.Is(err, errors.ErrUnsupported) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
