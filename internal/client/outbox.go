package client

import (
	"sort"
	"sync"
	"time"
)

// PendingDelivery tracks one sent message awaiting a routing report.
type PendingDelivery struct {
	PacketID      uint32    `json:"packet_id"`
	RecordID      string    `json:"record_id"`
	QueuedAt      time.Time `json:"queued_at"`
	AckDeadlineAt time.Time `json:"ack_deadline_at"`

	timer *time.Timer
}

// Outbox stores pending deliveries by packet id and fires onExpire when an
// ack deadline passes without a resolution.
type Outbox struct {
	mu    sync.Mutex
	items map[uint32]PendingDelivery
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[uint32]PendingDelivery)}
}

func (o *Outbox) Track(item PendingDelivery, onExpire func(packetID uint32)) {
	if item.PacketID == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.items[item.PacketID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	wait := time.Until(item.AckDeadlineAt)
	if wait < 0 {
		wait = 0
	}
	id := item.PacketID
	item.timer = time.AfterFunc(wait, func() { onExpire(id) })
	o.items[id] = item
}

// Resolve removes the entry and stops its timer.
func (o *Outbox) Resolve(packetID uint32) (PendingDelivery, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[packetID]
	if !ok {
		return PendingDelivery{}, false
	}
	if item.timer != nil {
		item.timer.Stop()
	}
	delete(o.items, packetID)
	item.timer = nil
	return item, true
}

func (o *Outbox) Get(packetID uint32) (PendingDelivery, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[packetID]
	item.timer = nil
	return item, ok
}

func (o *Outbox) List() []PendingDelivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingDelivery, 0, len(o.items))
	for _, item := range o.items {
		item.timer = nil
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PacketID < out[j].PacketID
	})
	return out
}

// StopAll cancels every pending timer without resolving records.
func (o *Outbox) StopAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, item := range o.items {
		if item.timer != nil {
			item.timer.Stop()
		}
		delete(o.items, id)
	}
}
