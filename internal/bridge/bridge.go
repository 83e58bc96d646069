// Package bridge mirrors client notifications onto NATS subjects and
// accepts outbound text requests from NATS.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const SubjectRoot = "meshlink"

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Sender is the command surface reachable from NATS.
type Sender interface {
	SendText(ctx context.Context, to uint32, channel uint8, text string) (domain.MessageRecord, error)
}

// Options configures the NATS connection.
type Options struct {
	URL               string
	Name              string
	Username          string
	Password          string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// Dial connects to NATS and logs connection state changes.
func Dial(o Options) (*nats.Conn, error) {
	name := o.Name
	if name == "" {
		name = "meshlink"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(o.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("bridge.Dial nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("bridge.Dial nats reconnected")
		}),
	}
	if o.ReconnectInterval > 0 {
		opts = append(opts, nats.ReconnectWait(o.ReconnectInterval))
	}
	if o.Username != "" {
		opts = append(opts, nats.UserInfo(o.Username, o.Password))
	}
	nc, err := nats.Connect(o.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", o.URL, err)
	}
	return nc, nil
}

// Bridge publishes notifications for one device.
type Bridge struct {
	conn   Conn
	device string
	sender Sender
}

func New(conn Conn, device string, sender Sender) *Bridge {
	return &Bridge{conn: conn, device: Token(device), sender: sender}
}

// Token makes s safe as a single NATS subject token.
func Token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Subject maps a notification kind to its subject. Identity changes ride
// the status subject and node removals the node subject.
func (b *Bridge) Subject(kind client.NotificationKind) (string, bool) {
	var leaf string
	switch kind {
	case client.NotifyStatus, client.NotifyIdentity:
		leaf = "status"
	case client.NotifyNode, client.NotifyNodeRemoved:
		leaf = "node"
	case client.NotifyMessage:
		leaf = "message"
	case client.NotifyChannel:
		leaf = "channel"
	case client.NotifyTelemetry:
		leaf = "telemetry"
	default:
		return "", false
	}
	return SubjectRoot + "." + b.device + "." + leaf, true
}

// SendSubject receives outbound text requests.
func (b *Bridge) SendSubject() string {
	return SubjectRoot + "." + b.device + ".send"
}

// Publish sends one notification.
func (b *Bridge) Publish(n client.Notification) error {
	subject, ok := b.Subject(n.Kind)
	if !ok {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", n.Kind, err)
	}
	err = b.conn.Publish(subject, data)
	observability.RecordBridgePublish(string(n.Kind), err)
	if err != nil {
		return fmt.Errorf("bridge: publish %s: %w", subject, err)
	}
	return nil
}

// Run publishes notes until ctx ends or the channel closes. Publish
// failures are logged and skipped.
func (b *Bridge) Run(ctx context.Context, notes <-chan client.Notification) error {
	var sub *nats.Subscription
	if b.sender != nil {
		s, err := b.conn.Subscribe(b.SendSubject(), b.handleSend)
		if err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", b.SendSubject(), err)
		}
		sub = s
	}
	defer func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}()

	log.Info().Str("device", b.device).Msg("bridge.Bridge.Run started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if err := b.Publish(n); err != nil {
				log.Warn().Err(err).Msg("bridge.Bridge.Run publish failed")
			}
		}
	}
}

// SendRequest is the payload accepted on the send subject.
type SendRequest struct {
	To      uint32 `json:"to"`
	Channel uint8  `json:"channel"`
	Text    string `json:"text"`
}

// SendReply answers a request that carried a reply subject.
type SendReply struct {
	Message *domain.MessageRecord `json:"message,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (b *Bridge) handleSend(msg *nats.Msg) {
	reply := b.send(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := b.conn.Publish(msg.Reply, data); err != nil {
		log.Warn().Err(err).Msg("bridge.Bridge.handleSend reply failed")
	}
}

func (b *Bridge) send(data []byte) SendReply {
	var req SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return SendReply{Error: "invalid request: " + err.Error()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := b.sender.SendText(ctx, req.To, req.Channel, req.Text)
	if err != nil {
		log.Warn().Err(err).Msg("bridge.Bridge.send failed")
		out := SendReply{Error: err.Error()}
		if rec.ID != "" {
			out.Message = &rec
		}
		return out
	}
	return SendReply{Message: &rec}
}
