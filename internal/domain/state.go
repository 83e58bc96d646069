package domain

import (
	"slices"
	"sort"
	"time"

	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/google/uuid"
)

// State accumulates domain records. It is not safe for concurrent use; the
// owning client serializes access.
type State struct {
	self      Identity
	nodes     map[uint32]*NodeRecord
	messages  []MessageRecord
	byPacket  map[uint32]int
	channels  map[uint8]ChannelDefinition
	telemetry map[uint32][]TelemetrySample
}

func NewState() *State {
	return &State{
		nodes:     make(map[uint32]*NodeRecord),
		byPacket:  make(map[uint32]int),
		channels:  make(map[uint8]ChannelDefinition),
		telemetry: make(map[uint32][]TelemetrySample),
	}
}

// Seed bulk-loads persisted records. Existing records with the same key are
// replaced.
func (s *State) Seed(nodes []NodeRecord, messages []MessageRecord) {
	for _, n := range nodes {
		rec := cloneNode(n)
		s.nodes[n.Num] = &rec
	}
	for _, m := range messages {
		s.AppendMessage(m)
	}
}

func (s *State) SetIdentity(id protocol.Identity) (Identity, NodeRecord) {
	s.self = Identity{MyNodeNum: id.MyNodeNum, Firmware: id.Firmware, HwModel: id.HwModel}
	n := s.ensure(id.MyNodeNum)
	if id.HwModel != "" {
		n.HwModel = id.HwModel
	}
	return s.self, cloneNode(*n)
}

func (s *State) Self() Identity { return s.self }

// ApplyNodeInfo merges info into the node record. Only fields present in
// info change; LastHeard advances.
func (s *State) ApplyNodeInfo(info protocol.NodeInfo, now time.Time) NodeRecord {
	n := s.ensure(info.Num)
	if info.LongName != "" {
		n.LongName = info.LongName
	}
	if info.ShortName != "" {
		n.ShortName = info.ShortName
	}
	if info.HwModel != "" {
		n.HwModel = info.HwModel
	}
	if info.SNR != nil {
		n.SNR = ptr(*info.SNR)
	}
	if info.RSSI != nil {
		n.RSSI = ptr(*info.RSSI)
	}
	if info.BatteryLevel != nil {
		n.BatteryLevel = ptr(*info.BatteryLevel)
	}
	if info.Voltage != nil {
		n.Voltage = ptr(*info.Voltage)
	}
	if info.HopsAway != nil {
		n.HopsAway = ptr(*info.HopsAway)
	}
	if info.Favorite != nil {
		n.Favorite = *info.Favorite
	}
	if info.Position != nil {
		n.Position = toPosition(*info.Position)
	}
	heard := now
	if info.LastHeard > 0 {
		heard = time.Unix(info.LastHeard, 0)
	}
	touch(n, heard)
	return cloneNode(*n)
}

func (s *State) ApplyPosition(p protocol.Position, now time.Time) NodeRecord {
	n := s.ensure(p.Num)
	n.Position = toPosition(p)
	touch(n, now)
	return cloneNode(*n)
}

// ApplyTelemetry updates power fields on the node and appends a sample to
// its bounded history.
func (s *State) ApplyTelemetry(t protocol.Telemetry, now time.Time) NodeRecord {
	n := s.ensure(t.Num)
	if t.BatteryLevel != nil {
		n.BatteryLevel = ptr(*t.BatteryLevel)
	}
	if t.Voltage != nil {
		n.Voltage = ptr(*t.Voltage)
	}
	touch(n, now)

	at := now
	if t.Time > 0 {
		at = time.Unix(t.Time, 0)
	}
	sample := TelemetrySample{
		At:                 at,
		BatteryLevel:       t.BatteryLevel,
		Voltage:            t.Voltage,
		ChannelUtilization: t.ChannelUtilization,
		AirUtilTx:          t.AirUtilTx,
		Temperature:        t.Temperature,
		Humidity:           t.Humidity,
		Pressure:           t.Pressure,
	}
	hist := append(s.telemetry[t.Num], sample)
	if len(hist) > TelemetryHistory {
		hist = append([]TelemetrySample(nil), hist[len(hist)-TelemetryHistory:]...)
	}
	s.telemetry[t.Num] = hist
	return cloneNode(*n)
}

// ApplyTraceRoute records the forward route to tr.Dest.
func (s *State) ApplyTraceRoute(tr protocol.TraceRoute, now time.Time) NodeRecord {
	n := s.ensure(tr.Dest)
	n.Route = slices.Clone(tr.Route)
	touch(n, now)
	return cloneNode(*n)
}

func (s *State) SetFavorite(num uint32, favorite bool) (NodeRecord, bool) {
	n, ok := s.nodes[num]
	if !ok {
		return NodeRecord{}, false
	}
	n.Favorite = favorite
	return cloneNode(*n), true
}

func (s *State) RemoveNode(num uint32) bool {
	if _, ok := s.nodes[num]; !ok {
		return false
	}
	delete(s.nodes, num)
	delete(s.telemetry, num)
	return true
}

// AppendMessage stores m, assigning a record id when missing. Outgoing
// records are indexed by packet id for delivery updates.
func (s *State) AppendMessage(m MessageRecord) MessageRecord {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.messages = append(s.messages, m)
	if m.Outgoing && m.PacketID != 0 {
		s.byPacket[m.PacketID] = len(s.messages) - 1
	}
	return m
}

// MarkDelivery resolves a sending record. Records already acked or failed
// keep their first outcome.
func (s *State) MarkDelivery(packetID uint32, status DeliveryStatus, reason string) (MessageRecord, bool) {
	i, ok := s.byPacket[packetID]
	if !ok {
		return MessageRecord{}, false
	}
	m := &s.messages[i]
	if m.Status != DeliverySending {
		return *m, false
	}
	m.Status = status
	if status == DeliveryFailed {
		m.FailureReason = reason
	}
	return *m, true
}

func (s *State) Message(packetID uint32) (MessageRecord, bool) {
	i, ok := s.byPacket[packetID]
	if !ok {
		return MessageRecord{}, false
	}
	return s.messages[i], true
}

func (s *State) SetChannel(ch protocol.Channel) ChannelDefinition {
	def := ChannelDefinition{
		Index: ch.Index,
		Name:  ch.Name,
		Role:  ch.Role,
		PSK:   slices.Clone(ch.PSK),
	}
	if def.Role == "" {
		def.Role = protocol.ChannelDisabled
	}
	s.channels[ch.Index] = def
	return def
}

func (s *State) Node(num uint32) (NodeRecord, bool) {
	n, ok := s.nodes[num]
	if !ok {
		return NodeRecord{}, false
	}
	return cloneNode(*n), true
}

func (s *State) Nodes() []NodeRecord {
	out := make([]NodeRecord, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, cloneNode(*n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

func (s *State) Messages() []MessageRecord {
	return slices.Clone(s.messages)
}

func (s *State) Channels() []ChannelDefinition {
	out := make([]ChannelDefinition, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *State) Telemetry(num uint32) []TelemetrySample {
	return slices.Clone(s.telemetry[num])
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Self:     s.self,
		Nodes:    s.Nodes(),
		Messages: s.Messages(),
		Channels: s.Channels(),
	}
}

func (s *State) ensure(num uint32) *NodeRecord {
	n, ok := s.nodes[num]
	if !ok {
		n = &NodeRecord{Num: num}
		s.nodes[num] = n
	}
	return n
}

func touch(n *NodeRecord, heard time.Time) {
	if heard.After(n.LastHeard) {
		n.LastHeard = heard
	}
}

func toPosition(p protocol.Position) *Position {
	out := &Position{Latitude: p.Latitude, Longitude: p.Longitude, Altitude: p.Altitude}
	if p.Time > 0 {
		out.Time = time.Unix(p.Time, 0)
	}
	return out
}

func cloneNode(n NodeRecord) NodeRecord {
	n.Route = slices.Clone(n.Route)
	if n.Position != nil {
		p := *n.Position
		n.Position = &p
	}
	return n
}

func ptr[T any](v T) *T { return &v }
