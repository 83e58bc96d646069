package protocol

import "errors"

var (
	ErrClosed         = errors.New("protocol: device closed")
	ErrUnknownMessage = errors.New("protocol: unknown message type")
	ErrInvalidRequest = errors.New("protocol: invalid request")
)
