// Package domain holds the node, message, telemetry and channel records
// accumulated from protocol events.
package domain

import (
	"time"

	"github.com/danmuck/meshlink/internal/protocol"
)

// DeliveryStatus tracks self-originated messages. Received messages have none.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliveryAcked   DeliveryStatus = "acked"
	DeliveryFailed  DeliveryStatus = "failed"
)

// TelemetryHistory bounds the per-node telemetry ring.
const TelemetryHistory = 64

// Identity is the locally attached radio.
type Identity struct {
	MyNodeNum uint32 `json:"my_node_num"`
	Firmware  string `json:"firmware,omitempty"`
	HwModel   string `json:"hw_model,omitempty"`
}

type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  int32     `json:"altitude,omitempty"`
	Time      time.Time `json:"time,omitzero"`
}

// NodeRecord is merged field-wise; nil pointers and empty strings mean unknown.
type NodeRecord struct {
	Num          uint32    `json:"num"`
	LongName     string    `json:"long_name,omitempty"`
	ShortName    string    `json:"short_name,omitempty"`
	HwModel      string    `json:"hw_model,omitempty"`
	SNR          *float32  `json:"snr,omitempty"`
	RSSI         *int32    `json:"rssi,omitempty"`
	BatteryLevel *uint32   `json:"battery_level,omitempty"`
	Voltage      *float32  `json:"voltage,omitempty"`
	HopsAway     *uint32   `json:"hops_away,omitempty"`
	Favorite     bool      `json:"favorite,omitempty"`
	LastHeard    time.Time `json:"last_heard,omitzero"`
	Position     *Position `json:"position,omitempty"`
	Route        []uint32  `json:"route,omitempty"`
}

type MessageRecord struct {
	ID            string         `json:"id"`
	PacketID      uint32         `json:"packet_id"`
	From          uint32         `json:"from"`
	To            uint32         `json:"to"`
	Channel       uint8          `json:"channel"`
	Text          string         `json:"text"`
	ReplyID       uint32         `json:"reply_id,omitempty"`
	Emoji         bool           `json:"emoji,omitempty"`
	Outgoing      bool           `json:"outgoing"`
	Status        DeliveryStatus `json:"status,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	At            time.Time      `json:"at"`
}

type ChannelDefinition struct {
	Index uint8                `json:"index"`
	Name  string               `json:"name"`
	Role  protocol.ChannelRole `json:"role"`
	PSK   []byte               `json:"psk,omitempty"`
}

type TelemetrySample struct {
	At                 time.Time `json:"at"`
	BatteryLevel       *uint32   `json:"battery_level,omitempty"`
	Voltage            *float32  `json:"voltage,omitempty"`
	ChannelUtilization *float32  `json:"channel_utilization,omitempty"`
	AirUtilTx          *float32  `json:"air_util_tx,omitempty"`
	Temperature        *float32  `json:"temperature,omitempty"`
	Humidity           *float32  `json:"humidity,omitempty"`
	Pressure           *float32  `json:"pressure,omitempty"`
}

// Snapshot is a copy of the state safe to hand to other goroutines.
type Snapshot struct {
	Self     Identity            `json:"self"`
	Nodes    []NodeRecord        `json:"nodes"`
	Messages []MessageRecord     `json:"messages"`
	Channels []ChannelDefinition `json:"channels"`
}
