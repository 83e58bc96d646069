package protocol

import "context"

// Device is the capability surface of an attached mesh radio.
//
// Subscribe must be called for every wanted kind before Configure so the
// initial state dump is observed. Disconnect does not close the underlying
// stream; the owner of the transport does that.
type Device interface {
	Subscribe(kind EventKind, h Handler) Subscription
	Configure(ctx context.Context) error

	SendText(ctx context.Context, req TextRequest) error
	RequestPosition(ctx context.Context, node uint32) error
	TraceRoute(ctx context.Context, dest uint32) error
	SetConfig(ctx context.Context, section string, values map[string]any) error
	SetChannel(ctx context.Context, ch Channel) error
	Admin(ctx context.Context, req AdminRequest) error

	// Heartbeat writes a keepalive. A failed write means the link is gone.
	Heartbeat(ctx context.Context) error
	Disconnect() error
}

// TextRequest is an outbound text or reaction. PacketID is assigned by the
// caller so delivery reports can be correlated before the write returns.
type TextRequest struct {
	PacketID uint32 `cbor:"1,keyasint"`
	To       uint32 `cbor:"2,keyasint"`
	Channel  uint8  `cbor:"3,keyasint,omitempty"`
	Text     string `cbor:"4,keyasint"`
	ReplyID  uint32 `cbor:"5,keyasint,omitempty"`
	Emoji    bool   `cbor:"6,keyasint,omitempty"`
	WantAck  bool   `cbor:"7,keyasint,omitempty"`
}

type AdminAction string

const (
	AdminReboot       AdminAction = "reboot"
	AdminShutdown     AdminAction = "shutdown"
	AdminFactoryReset AdminAction = "factory-reset"
	AdminSetOwner     AdminAction = "set-owner"
	AdminSetFavorite  AdminAction = "set-favorite"
	AdminRemoveNode   AdminAction = "remove-node"
)

// ParseAdminAction validates raw against the known admin actions.
func ParseAdminAction(raw string) (AdminAction, bool) {
	switch a := AdminAction(raw); a {
	case AdminReboot, AdminShutdown, AdminFactoryReset, AdminSetOwner, AdminSetFavorite, AdminRemoveNode:
		return a, true
	default:
		return "", false
	}
}

type AdminRequest struct {
	Action    AdminAction `cbor:"1,keyasint"`
	Node      uint32      `cbor:"2,keyasint,omitempty"`
	LongName  string      `cbor:"3,keyasint,omitempty"`
	ShortName string      `cbor:"4,keyasint,omitempty"`
	Seconds   uint32      `cbor:"5,keyasint,omitempty"`
	Favorite  bool        `cbor:"6,keyasint,omitempty"`
}

func (r AdminRequest) Validate() error {
	if _, ok := ParseAdminAction(string(r.Action)); !ok {
		return ErrInvalidRequest
	}
	switch r.Action {
	case AdminSetOwner:
		if r.LongName == "" && r.ShortName == "" {
			return ErrInvalidRequest
		}
	case AdminSetFavorite, AdminRemoveNode:
		if r.Node == 0 {
			return ErrInvalidRequest
		}
	}
	return nil
}
