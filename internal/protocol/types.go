package protocol

// Broadcast addresses every node on a channel.
const Broadcast uint32 = 0xFFFFFFFF

// EventKind names one typed event stream published by a device.
type EventKind string

const (
	EventDeviceStatus   EventKind = "device-status"
	EventIdentity       EventKind = "identity"
	EventNodeInfo       EventKind = "node-info"
	EventPosition       EventKind = "position"
	EventTelemetry      EventKind = "telemetry"
	EventChannel        EventKind = "channel"
	EventMessage        EventKind = "message"
	EventHeartbeat      EventKind = "heartbeat"
	EventRouting        EventKind = "routing"
	EventTraceRoute     EventKind = "trace-route"
	EventConfigComplete EventKind = "config-complete"
)

// EventKinds lists every kind a session subscribes to.
func EventKinds() []EventKind {
	return []EventKind{
		EventDeviceStatus,
		EventIdentity,
		EventNodeInfo,
		EventPosition,
		EventTelemetry,
		EventChannel,
		EventMessage,
		EventHeartbeat,
		EventRouting,
		EventTraceRoute,
		EventConfigComplete,
	}
}

// DeviceStatus is the link state reported by the adapter itself.
type DeviceStatus string

const (
	DeviceConnected    DeviceStatus = "connected"
	DeviceConfiguring  DeviceStatus = "configuring"
	DeviceConfigured   DeviceStatus = "configured"
	DeviceDisconnected DeviceStatus = "disconnected"
)

// Identity describes the locally attached radio.
type Identity struct {
	MyNodeNum uint32 `cbor:"1,keyasint" json:"my_node_num"`
	Firmware  string `cbor:"2,keyasint,omitempty" json:"firmware,omitempty"`
	HwModel   string `cbor:"3,keyasint,omitempty" json:"hw_model,omitempty"`
	RebootCnt uint32 `cbor:"4,keyasint,omitempty" json:"reboot_count,omitempty"`
}

// NodeInfo is a partial node update. Nil or empty fields are unknown.
type NodeInfo struct {
	Num          uint32    `cbor:"1,keyasint"`
	LongName     string    `cbor:"2,keyasint,omitempty"`
	ShortName    string    `cbor:"3,keyasint,omitempty"`
	HwModel      string    `cbor:"4,keyasint,omitempty"`
	SNR          *float32  `cbor:"5,keyasint,omitempty"`
	RSSI         *int32    `cbor:"6,keyasint,omitempty"`
	BatteryLevel *uint32   `cbor:"7,keyasint,omitempty"`
	Voltage      *float32  `cbor:"8,keyasint,omitempty"`
	LastHeard    int64     `cbor:"9,keyasint,omitempty"`
	HopsAway     *uint32   `cbor:"10,keyasint,omitempty"`
	Favorite     *bool     `cbor:"11,keyasint,omitempty"`
	Position     *Position `cbor:"12,keyasint,omitempty"`
}

type Position struct {
	Num       uint32  `cbor:"1,keyasint"`
	Latitude  float64 `cbor:"2,keyasint"`
	Longitude float64 `cbor:"3,keyasint"`
	Altitude  int32   `cbor:"4,keyasint,omitempty"`
	Time      int64   `cbor:"5,keyasint,omitempty"`
	Sats      uint32  `cbor:"6,keyasint,omitempty"`
}

type Telemetry struct {
	Num                uint32   `cbor:"1,keyasint"`
	Time               int64    `cbor:"2,keyasint,omitempty"`
	BatteryLevel       *uint32  `cbor:"3,keyasint,omitempty"`
	Voltage            *float32 `cbor:"4,keyasint,omitempty"`
	ChannelUtilization *float32 `cbor:"5,keyasint,omitempty"`
	AirUtilTx          *float32 `cbor:"6,keyasint,omitempty"`
	UptimeSeconds      *uint32  `cbor:"7,keyasint,omitempty"`
	Temperature        *float32 `cbor:"8,keyasint,omitempty"`
	Humidity           *float32 `cbor:"9,keyasint,omitempty"`
	Pressure           *float32 `cbor:"10,keyasint,omitempty"`
}

type ChannelRole string

const (
	ChannelDisabled  ChannelRole = "disabled"
	ChannelPrimary   ChannelRole = "primary"
	ChannelSecondary ChannelRole = "secondary"
)

// MaxChannels bounds channel indexes to 0..MaxChannels-1.
const MaxChannels = 8

type Channel struct {
	Index uint8       `cbor:"1,keyasint"`
	Name  string      `cbor:"2,keyasint,omitempty"`
	Role  ChannelRole `cbor:"3,keyasint"`
	PSK   []byte      `cbor:"4,keyasint,omitempty"`
}

// TextMessage is a received text payload. Emoji marks a reaction to ReplyID.
type TextMessage struct {
	PacketID uint32   `cbor:"1,keyasint"`
	From     uint32   `cbor:"2,keyasint"`
	To       uint32   `cbor:"3,keyasint"`
	Channel  uint8    `cbor:"4,keyasint,omitempty"`
	Text     string   `cbor:"5,keyasint"`
	ReplyID  uint32   `cbor:"6,keyasint,omitempty"`
	Emoji    bool     `cbor:"7,keyasint,omitempty"`
	RxTime   int64    `cbor:"8,keyasint,omitempty"`
	SNR      *float32 `cbor:"9,keyasint,omitempty"`
	RSSI     *int32   `cbor:"10,keyasint,omitempty"`
}

// Routing reports delivery of a previously sent packet. An empty Error or
// RoutingNone is a positive acknowledgement.
type Routing struct {
	RequestID uint32 `cbor:"1,keyasint"`
	From      uint32 `cbor:"2,keyasint,omitempty"`
	Error     string `cbor:"3,keyasint,omitempty"`
}

const (
	RoutingNone          = "NONE"
	RoutingNoRoute       = "NO_ROUTE"
	RoutingMaxRetransmit = "MAX_RETRANSMIT"
	RoutingTimeout       = "TIMEOUT"
	RoutingNoResponse    = "NO_RESPONSE"
)

// Acked reports whether r is a positive acknowledgement.
func (r Routing) Acked() bool {
	return r.Error == "" || r.Error == RoutingNone
}

type TraceRoute struct {
	Dest  uint32   `cbor:"1,keyasint"`
	Route []uint32 `cbor:"2,keyasint,omitempty"`
	Back  []uint32 `cbor:"3,keyasint,omitempty"`
}

// Event is one inbound notification. Exactly one payload pointer matching
// Kind is set; DeviceStatus and ConfigComplete carry scalars only.
type Event struct {
	Kind       EventKind
	Status     DeviceStatus
	Identity   *Identity
	Node       *NodeInfo
	Position   *Position
	Telemetry  *Telemetry
	Channel    *Channel
	Message    *TextMessage
	Routing    *Routing
	TraceRoute *TraceRoute
	Nonce      uint32
	Err        error
}

// Handler receives events for one subscription.
type Handler func(Event)

// Subscription is a disposable event registration. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}
