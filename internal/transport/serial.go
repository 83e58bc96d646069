package transport

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// SerialOpener opens the serial-cable transport. An empty address
// enumerates ports and defers to Selector when more than one is present.
type SerialOpener struct {
	BaudRate int
	Selector Selector

	// ListPorts and OpenPort default to go.bug.st/serial.
	ListPorts func() ([]string, error)
	OpenPort  func(name string, baud int) (io.ReadWriteCloser, error)
}

func (o SerialOpener) Open(ctx context.Context, address string) (*Handle, error) {
	port := address
	if port == "" {
		names, err := o.listPorts()
		if err != nil {
			return nil, fmt.Errorf("%w: enumerate serial ports: %w", ErrIO, err)
		}
		sort.Strings(names)
		candidates := make([]Candidate, 0, len(names))
		for _, name := range names {
			candidates = append(candidates, Candidate{ID: name, Name: name})
		}
		chosen, err := resolveCandidate(ctx, o.Selector, KindSerial, candidates)
		if err != nil {
			return nil, err
		}
		port = chosen.ID
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := o.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	rwc, err := o.openPort(port, baud)
	if err != nil {
		return nil, fmt.Errorf("%w: open serial %s: %w", ErrIO, port, err)
	}
	return NewHandle(KindSerial, port, rwc, rwc.Close), nil
}

func (o SerialOpener) listPorts() ([]string, error) {
	if o.ListPorts != nil {
		return o.ListPorts()
	}
	return serial.GetPortsList()
}

func (o SerialOpener) openPort(name string, baud int) (io.ReadWriteCloser, error) {
	if o.OpenPort != nil {
		return o.OpenPort(name, baud)
	}
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}
