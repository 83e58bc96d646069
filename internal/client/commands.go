package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// MaxTextBytes bounds one outbound text payload.
const MaxTextBytes = 228

// device returns the active protocol device or ErrNotConnected.
func (c *Client) device() (protocol.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess.Device(), nil
}

// SendText queues a text for to (protocol.Broadcast for everyone) on
// channel. The returned record is in the sending state; the outcome arrives
// later through Watch. A failed write marks the record failed at once.
func (c *Client) SendText(ctx context.Context, to uint32, channel uint8, text string) (domain.MessageRecord, error) {
	return c.send(ctx, protocol.TextRequest{To: to, Channel: channel, Text: text})
}

// SendReaction sends emoji as a reaction to the message with packet id
// replyTo.
func (c *Client) SendReaction(ctx context.Context, to uint32, channel uint8, replyTo uint32, emoji string) (domain.MessageRecord, error) {
	if replyTo == 0 {
		return domain.MessageRecord{}, fmt.Errorf("%w: reaction needs a target packet", ErrInvalidArgument)
	}
	return c.send(ctx, protocol.TextRequest{To: to, Channel: channel, Text: emoji, ReplyID: replyTo, Emoji: true})
}

func (c *Client) send(ctx context.Context, req protocol.TextRequest) (domain.MessageRecord, error) {
	if strings.TrimSpace(req.Text) == "" {
		return domain.MessageRecord{}, fmt.Errorf("%w: empty text", ErrInvalidArgument)
	}
	if len(req.Text) > MaxTextBytes {
		return domain.MessageRecord{}, fmt.Errorf("%w: text exceeds %d bytes", ErrInvalidArgument, MaxTextBytes)
	}
	if req.Channel >= protocol.MaxChannels {
		return domain.MessageRecord{}, fmt.Errorf("%w: channel %d out of range", ErrInvalidArgument, req.Channel)
	}
	if req.To == 0 {
		req.To = protocol.Broadcast
	}

	fx := &effects{}
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return domain.MessageRecord{}, ErrNotConnected
	}
	dev := c.sess.Device()
	req.PacketID = c.nextPacketIDLocked()
	req.WantAck = true
	now := c.now()
	rec := c.state.AppendMessage(domain.MessageRecord{
		PacketID: req.PacketID,
		From:     c.state.Self().MyNodeNum,
		To:       req.To,
		Channel:  req.Channel,
		Text:     req.Text,
		ReplyID:  req.ReplyID,
		Emoji:    req.Emoji,
		Outgoing: true,
		Status:   domain.DeliverySending,
		At:       now,
	})
	c.saveMessageLocked(fx, rec)
	c.outbox.Track(PendingDelivery{
		PacketID:      req.PacketID,
		RecordID:      rec.ID,
		QueuedAt:      now,
		AckDeadlineAt: time.Now().Add(c.cfg.AckTimeout),
	}, c.expireDelivery)
	c.unlockAndFlush(fx)

	if err := dev.SendText(ctx, req); err != nil {
		log.Warn().Err(err).Uint32("packet_id", req.PacketID).Msg("client.Client.send write failed")
		fx = &effects{}
		c.mu.Lock()
		c.resolveLocked(fx, req.PacketID, domain.DeliveryFailed, "WRITE_FAILED")
		failed, _ := c.state.Message(req.PacketID)
		c.unlockAndFlush(fx)
		return failed, &DeliveryError{PacketID: req.PacketID, Reason: err.Error()}
	}
	return rec, nil
}

func (c *Client) RequestPosition(ctx context.Context, node uint32) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	return dev.RequestPosition(ctx, node)
}

func (c *Client) TraceRoute(ctx context.Context, dest uint32) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	return dev.TraceRoute(ctx, dest)
}

func (c *Client) SetConfig(ctx context.Context, section string, values map[string]any) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	return dev.SetConfig(ctx, section, values)
}

// SetChannel writes the channel to the device and records it locally once
// the write succeeds.
func (c *Client) SetChannel(ctx context.Context, ch protocol.Channel) error {
	if ch.Index >= protocol.MaxChannels {
		return fmt.Errorf("%w: channel %d out of range", ErrInvalidArgument, ch.Index)
	}
	dev, err := c.device()
	if err != nil {
		return err
	}
	if err := dev.SetChannel(ctx, ch); err != nil {
		return err
	}
	fx := &effects{}
	c.mu.Lock()
	def := c.state.SetChannel(ch)
	fx.notes = append(fx.notes, Notification{Kind: NotifyChannel, At: c.now(), Channel: &def})
	c.unlockAndFlush(fx)
	return nil
}

// Admin issues an administrative command. Favorite and removal changes are
// mirrored into local state after the device accepts them.
func (c *Client) Admin(ctx context.Context, req protocol.AdminRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	dev, err := c.device()
	if err != nil {
		return err
	}
	if err := dev.Admin(ctx, req); err != nil {
		return err
	}

	fx := &effects{}
	c.mu.Lock()
	switch req.Action {
	case protocol.AdminSetFavorite:
		if n, ok := c.state.SetFavorite(req.Node, req.Favorite); ok {
			c.saveNodeLocked(fx, n)
		}
	case protocol.AdminRemoveNode:
		c.removeNodeLocked(fx, req.Node)
	}
	c.unlockAndFlush(fx)
	return nil
}

// RemoveNode deletes num from the device's node database and from the
// local store.
func (c *Client) RemoveNode(ctx context.Context, num uint32) error {
	return c.Admin(ctx, protocol.AdminRequest{Action: protocol.AdminRemoveNode, Node: num})
}

func (c *Client) removeNodeLocked(fx *effects, num uint32) {
	if !c.state.RemoveNode(num) {
		return
	}
	fx.deletes = append(fx.deletes, num)
	fx.notes = append(fx.notes, Notification{Kind: NotifyNodeRemoved, At: c.now(), NodeNum: num})
}
