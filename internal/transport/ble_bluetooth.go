//go:build ble

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// DefaultBLEBackend returns the host adapter backend.
func DefaultBLEBackend() BLEBackend {
	return &bluetoothBackend{
		adapter: bluetooth.DefaultAdapter,
		seen:    make(map[string]bluetooth.Address),
	}
}

type bluetoothBackend struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

func (b *bluetoothBackend) enable() error {
	b.enableOnce.Do(func() {
		b.enableErr = b.adapter.Enable()
	})
	return b.enableErr
}

func (b *bluetoothBackend) Scan(ctx context.Context, timeout time.Duration) ([]Candidate, error) {
	if err := b.enable(); err != nil {
		return nil, err
	}
	service, err := bluetooth.ParseUUID(BLEServiceUUID)
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		_ = b.adapter.StopScan()
	}()

	found := make(map[string]Candidate)
	var mu sync.Mutex
	err = b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(service) {
			return
		}
		id := result.Address.String()
		mu.Lock()
		found[id] = Candidate{ID: id, Name: result.LocalName(), Detail: fmt.Sprintf("rssi=%d", result.RSSI)}
		mu.Unlock()
		b.mu.Lock()
		b.seen[id] = result.Address
		b.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	return out, nil
}

func (b *bluetoothBackend) Connect(ctx context.Context, id string) (BLELink, error) {
	if err := b.enable(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	addr, ok := b.seen[strings.TrimSpace(id)]
	b.mu.Unlock()
	if !ok {
		if _, err := b.Scan(ctx, 5*time.Second); err != nil {
			return nil, err
		}
		b.mu.Lock()
		addr, ok = b.seen[strings.TrimSpace(id)]
		b.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s not advertising", ErrDeviceUnavailable, id)
		}
	}

	device, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	link, err := discoverMeshService(device.DiscoverServices)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	link.disconnect = device.Disconnect
	return link, nil
}

type bluetoothLink struct {
	toRadio    bluetooth.DeviceCharacteristic
	fromRadio  bluetooth.DeviceCharacteristic
	fromNum    bluetooth.DeviceCharacteristic
	disconnect func() error

	drainMu sync.Mutex
}

func discoverMeshService(discover func([]bluetooth.UUID) ([]bluetooth.DeviceService, error)) (*bluetoothLink, error) {
	serviceUUID, err := bluetooth.ParseUUID(BLEServiceUUID)
	if err != nil {
		return nil, err
	}
	services, err := discover([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, errors.New("transport: mesh service not found")
	}

	uuids := make([]bluetooth.UUID, 0, 3)
	for _, raw := range []string{BLEToRadioUUID, BLEFromRadioUUID, BLEFromNumUUID} {
		u, err := bluetooth.ParseUUID(raw)
		if err != nil {
			return nil, err
		}
		uuids = append(uuids, u)
	}
	chars, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return nil, err
	}
	link := &bluetoothLink{}
	var found int
	for _, ch := range chars {
		switch ch.UUID() {
		case uuids[0]:
			link.toRadio = ch
		case uuids[1]:
			link.fromRadio = ch
		case uuids[2]:
			link.fromNum = ch
		default:
			continue
		}
		found++
	}
	if found < 3 {
		return nil, errors.New("transport: mesh characteristics missing")
	}
	return link, nil
}

func (l *bluetoothLink) Write(p []byte) error {
	_, err := l.toRadio.WriteWithoutResponse(p)
	return err
}

func (l *bluetoothLink) Subscribe(fn func([]byte)) error {
	if err := l.fromNum.EnableNotifications(func([]byte) {
		go l.drain(fn)
	}); err != nil {
		return err
	}
	go l.drain(fn)
	return nil
}

func (l *bluetoothLink) drain(fn func([]byte)) {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()
	buf := make([]byte, 512)
	for {
		n, err := l.fromRadio.Read(buf)
		if err != nil || n == 0 {
			return
		}
		fn(buf[:n])
	}
}

func (l *bluetoothLink) Disconnect() error {
	if l.disconnect == nil {
		return errors.ErrUnsupported
	}
	return l.disconnect()
}
