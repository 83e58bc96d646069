package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream framing: two start bytes, a big-endian payload length, then payload.
const (
	Start1 byte = 0x94
	Start2 byte = 0xC3
)

const (
	HeaderLen  = 4
	MaxPayload = uint16(512)
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadStart        = errors.New("frame: missing start bytes")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrEmptyPayload    = errors.New("frame: empty payload")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint16
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: MaxPayload}
}

func (l Limits) max() uint16 {
	if l.MaxPayloadBytes == 0 || l.MaxPayloadBytes > MaxPayload {
		return MaxPayload
	}
	return l.MaxPayloadBytes
}

// ReadFrame returns the next payload from r. Bytes outside a frame (device
// console output, line noise, oversize lengths) are skipped until the next
// start sequence.
func ReadFrame(r *bufio.Reader, limits Limits) ([]byte, error) {
	maxLen := limits.max()
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != Start1 {
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if next != Start2 {
			if next == Start1 {
				_ = r.UnreadByte()
			}
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrShortHeader
			}
			return nil, err
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		if n == 0 || n > maxLen {
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return payload, nil
	}
}

// WriteFrame writes payload as a single framed write.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > int(limits.max()) {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, 0, HeaderLen+len(payload))
	buf = append(buf, EncodeHeader(uint16(len(payload)))...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(payloadLen uint16) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = Start1
	buf[1] = Start2
	binary.BigEndian.PutUint16(buf[2:4], payloadLen)
	return buf
}

func DecodeHeader(b []byte) (uint16, error) {
	if len(b) != HeaderLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	if b[0] != Start1 || b[1] != Start2 {
		return 0, ErrBadStart
	}
	return binary.BigEndian.Uint16(b[2:4]), nil
}
