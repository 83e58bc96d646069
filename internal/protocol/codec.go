package protocol

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Wire message types carried in Envelope.Type.
const (
	MsgWantConfig        = "want_config"
	MsgConfigComplete    = "config_complete"
	MsgMyInfo            = "my_info"
	MsgNodeInfo          = "node_info"
	MsgPosition          = "position"
	MsgTelemetry         = "telemetry"
	MsgChannel           = "channel"
	MsgText              = "text"
	MsgRouting           = "routing"
	MsgTraceRoute        = "traceroute"
	MsgHeartbeat         = "heartbeat"
	MsgPositionRequest   = "position_request"
	MsgTraceRouteRequest = "traceroute_request"
	MsgSetConfig         = "set_config"
	MsgSetChannel        = "set_channel"
	MsgAdmin             = "admin"
	MsgDisconnect        = "disconnect"
)

// Envelope is the framed unit exchanged with the radio.
type Envelope struct {
	Type string          `cbor:"1,keyasint"`
	ID   uint32          `cbor:"2,keyasint,omitempty"`
	Body cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

type configRequest struct {
	Nonce uint32 `cbor:"1,keyasint"`
}

type configSection struct {
	Section string         `cbor:"1,keyasint"`
	Values  map[string]any `cbor:"2,keyasint,omitempty"`
}

type nodeRequest struct {
	Node uint32 `cbor:"1,keyasint"`
}

// Codec encodes envelopes deterministically.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCodec() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return Codec{}, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return Codec{}, err
	}
	return Codec{enc: em, dec: dm}, nil
}

// Encode wraps body (which may be nil) into an envelope of msgType.
func (c Codec) Encode(msgType string, id uint32, body any) ([]byte, error) {
	env := Envelope{Type: msgType, ID: id}
	if body != nil {
		raw, err := c.enc.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s body: %w", msgType, err)
		}
		env.Body = raw
	}
	return c.enc.Marshal(env)
}

func (c Codec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return env, nil
}

// DecodeBody unmarshals env.Body into v.
func (c Codec) DecodeBody(env Envelope, v any) error {
	if len(env.Body) == 0 {
		return fmt.Errorf("protocol: %s has no body", env.Type)
	}
	if err := c.dec.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("protocol: decode %s body: %w", env.Type, err)
	}
	return nil
}

// ToEvent converts an inbound envelope into a typed event.
func (c Codec) ToEvent(env Envelope) (Event, error) {
	switch env.Type {
	case MsgMyInfo:
		var v Identity
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventIdentity, Identity: &v}, nil
	case MsgNodeInfo:
		var v NodeInfo
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventNodeInfo, Node: &v}, nil
	case MsgPosition:
		var v Position
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventPosition, Position: &v}, nil
	case MsgTelemetry:
		var v Telemetry
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventTelemetry, Telemetry: &v}, nil
	case MsgChannel:
		var v Channel
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		if v.Index >= MaxChannels {
			return Event{}, fmt.Errorf("%w: channel index %d", ErrInvalidRequest, v.Index)
		}
		return Event{Kind: EventChannel, Channel: &v}, nil
	case MsgText:
		var v TextMessage
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventMessage, Message: &v}, nil
	case MsgRouting:
		var v Routing
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventRouting, Routing: &v}, nil
	case MsgTraceRoute:
		var v TraceRoute
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventTraceRoute, TraceRoute: &v}, nil
	case MsgHeartbeat:
		return Event{Kind: EventHeartbeat}, nil
	case MsgConfigComplete:
		var v configRequest
		if err := c.DecodeBody(env, &v); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventConfigComplete, Nonce: v.Nonce}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}
