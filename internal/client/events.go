package client

import (
	"time"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/session"
)

// handleEvent is the session handler. Events from any session other than
// the active one are dropped.
func (c *Client) handleEvent(s *session.Session, ev protocol.Event) {
	if ev.Kind == protocol.EventDeviceStatus && ev.Status == protocol.DeviceDisconnected {
		reason := "device reported disconnect"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		c.handleDead(s, reason)
		return
	}

	fx := &effects{}
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	wd := c.wd
	if c.status == StatusStale {
		c.setStatusLocked(fx, StatusConfigured, "events resumed")
	}
	c.applyLocked(fx, ev)
	c.unlockAndFlush(fx)

	if wd != nil {
		wd.Touch()
	}
	observability.RecordEvent(string(ev.Kind))
}

func (c *Client) applyLocked(fx *effects, ev protocol.Event) {
	now := c.now()
	switch ev.Kind {
	case protocol.EventIdentity:
		if ev.Identity == nil {
			return
		}
		self, node := c.state.SetIdentity(*ev.Identity)
		fx.notes = append(fx.notes, Notification{Kind: NotifyIdentity, At: now, Self: &self})
		c.saveNodeLocked(fx, node)
	case protocol.EventNodeInfo:
		if ev.Node == nil {
			return
		}
		c.saveNodeLocked(fx, c.state.ApplyNodeInfo(*ev.Node, now))
	case protocol.EventPosition:
		if ev.Position == nil {
			return
		}
		c.saveNodeLocked(fx, c.state.ApplyPosition(*ev.Position, now))
	case protocol.EventTelemetry:
		if ev.Telemetry == nil {
			return
		}
		node := c.state.ApplyTelemetry(*ev.Telemetry, now)
		c.saveNodeLocked(fx, node)
		if hist := c.state.Telemetry(node.Num); len(hist) > 0 {
			sample := hist[len(hist)-1]
			fx.notes = append(fx.notes, Notification{Kind: NotifyTelemetry, At: now, NodeNum: node.Num, Telemetry: &sample})
		}
	case protocol.EventChannel:
		if ev.Channel == nil {
			return
		}
		def := c.state.SetChannel(*ev.Channel)
		fx.notes = append(fx.notes, Notification{Kind: NotifyChannel, At: now, Channel: &def})
	case protocol.EventMessage:
		if ev.Message == nil {
			return
		}
		m := ev.Message
		at := now
		if m.RxTime > 0 {
			at = time.Unix(m.RxTime, 0)
		}
		rec := c.state.AppendMessage(domain.MessageRecord{
			PacketID: m.PacketID,
			From:     m.From,
			To:       m.To,
			Channel:  m.Channel,
			Text:     m.Text,
			ReplyID:  m.ReplyID,
			Emoji:    m.Emoji,
			At:       at,
		})
		c.saveMessageLocked(fx, rec)
	case protocol.EventRouting:
		if ev.Routing == nil || ev.Routing.RequestID == 0 {
			return
		}
		if ev.Routing.Acked() {
			c.resolveLocked(fx, ev.Routing.RequestID, domain.DeliveryAcked, "")
		} else {
			c.resolveLocked(fx, ev.Routing.RequestID, domain.DeliveryFailed, ev.Routing.Error)
		}
	case protocol.EventTraceRoute:
		if ev.TraceRoute == nil {
			return
		}
		c.saveNodeLocked(fx, c.state.ApplyTraceRoute(*ev.TraceRoute, now))
	}
}

// resolveLocked settles a pending delivery. The first outcome wins; later
// reports and expiries for the same packet are ignored.
func (c *Client) resolveLocked(fx *effects, packetID uint32, status domain.DeliveryStatus, reason string) {
	c.outbox.Resolve(packetID)
	rec, changed := c.state.MarkDelivery(packetID, status, reason)
	if !changed {
		return
	}
	c.saveMessageLocked(fx, rec)
	observability.RecordDelivery(string(status), reason)
}

// expireDelivery is the outbox timer callback.
func (c *Client) expireDelivery(packetID uint32) {
	fx := &effects{}
	c.mu.Lock()
	c.resolveLocked(fx, packetID, domain.DeliveryFailed, protocol.RoutingTimeout)
	c.unlockAndFlush(fx)
}
