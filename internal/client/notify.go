package client

import (
	"time"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/rs/zerolog/log"
)

type NotificationKind string

const (
	NotifyStatus      NotificationKind = "status"
	NotifyIdentity    NotificationKind = "identity"
	NotifyNode        NotificationKind = "node"
	NotifyNodeRemoved NotificationKind = "node-removed"
	NotifyMessage     NotificationKind = "message"
	NotifyChannel     NotificationKind = "channel"
	NotifyTelemetry   NotificationKind = "telemetry"
)

// Notification is one entry of the Watch stream.
type Notification struct {
	Kind      NotificationKind          `json:"kind"`
	At        time.Time                 `json:"at"`
	Status    Status                    `json:"status,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	Self      *domain.Identity          `json:"self,omitempty"`
	Node      *domain.NodeRecord        `json:"node,omitempty"`
	NodeNum   uint32                    `json:"node_num,omitempty"`
	Message   *domain.MessageRecord     `json:"message,omitempty"`
	Channel   *domain.ChannelDefinition `json:"channel,omitempty"`
	Telemetry *domain.TelemetrySample   `json:"telemetry,omitempty"`
}

// Watch subscribes to status and domain notifications. Slow watchers lose
// notifications rather than stall the session. cancel is idempotent.
func (c *Client) Watch(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	c.mu.Lock()
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			close(w)
			delete(c.watchers, id)
		}
	}
	return ch, cancel
}

// effects collects side effects produced under the lock so persistence and
// fan-out happen after it is released.
type effects struct {
	nodes    []domain.NodeRecord
	messages []domain.MessageRecord
	deletes  []uint32
	notes    []Notification
	sinks    []chan Notification
}

func (c *Client) setStatusLocked(fx *effects, next Status, reason string) {
	if c.status == next {
		return
	}
	log.Info().
		Str("from", string(c.status)).
		Str("to", string(next)).
		Str("reason", reason).
		Uint64("generation", c.gen).
		Msg("client.Client.setStatus")
	c.status = next
	fx.notes = append(fx.notes, Notification{Kind: NotifyStatus, At: c.now(), Status: next, Reason: reason})
}

func (c *Client) saveNodeLocked(fx *effects, n domain.NodeRecord) {
	fx.nodes = append(fx.nodes, n)
	fx.notes = append(fx.notes, Notification{Kind: NotifyNode, At: c.now(), Node: &n, NodeNum: n.Num})
}

func (c *Client) saveMessageLocked(fx *effects, m domain.MessageRecord) {
	fx.messages = append(fx.messages, m)
	fx.notes = append(fx.notes, Notification{Kind: NotifyMessage, At: c.now(), Message: &m})
}

// unlockAndFlush releases the mutex, then persists and notifies. Store
// writes keep the order in which the mutations were applied.
func (c *Client) unlockAndFlush(fx *effects) {
	if len(fx.notes) > 0 {
		fx.sinks = make([]chan Notification, 0, len(c.watchers))
		for _, ch := range c.watchers {
			fx.sinks = append(fx.sinks, ch)
		}
	}
	persist := len(fx.nodes)+len(fx.messages)+len(fx.deletes) > 0
	if persist {
		c.flushMu.Lock()
	}
	c.mu.Unlock()
	if persist {
		c.persistAll(fx)
		c.flushMu.Unlock()
	}
	c.notify(fx)
}

func (c *Client) persistAll(fx *effects) {
	for _, n := range fx.nodes {
		c.persist.SaveNode(n)
	}
	for _, m := range fx.messages {
		c.persist.SaveMessage(m)
	}
	for _, num := range fx.deletes {
		c.persist.DeleteNode(num)
	}
}

func (c *Client) notify(fx *effects) {
	for _, note := range fx.notes {
		if note.Kind == NotifyStatus {
			observability.RecordStatus(string(note.Status), statusLabels())
		}
		for _, ch := range fx.sinks {
			c.deliver(ch, note)
		}
	}
}

// deliver sends without blocking. The watcher map lock guards against a
// concurrent cancel closing ch.
func (c *Client) deliver(ch chan Notification, note Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := false
	for _, w := range c.watchers {
		if w == ch {
			live = true
			break
		}
	}
	if !live {
		return
	}
	select {
	case ch <- note:
	default:
		log.Debug().Str("kind", string(note.Kind)).Msg("client.Client.deliver watcher full")
	}
}

func statusLabels() []string {
	all := Statuses()
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = string(s)
	}
	return out
}
