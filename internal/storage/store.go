// Package storage persists node and message records outside the session.
package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/danmuck/meshlink/internal/domain"
)

var (
	ErrClosed        = errors.New("storage: closed")
	ErrQueueFull     = errors.New("storage: writer queue full")
	ErrInvalidRecord = errors.New("storage: invalid record")
)

// Store is a durable record backend. Saves are upserts keyed by node number
// and message record id; deleting a missing node is not an error.
type Store interface {
	SaveNode(ctx context.Context, n domain.NodeRecord) error
	SaveMessage(ctx context.Context, m domain.MessageRecord) error
	DeleteNode(ctx context.Context, num uint32) error
	LoadNodes(ctx context.Context) ([]domain.NodeRecord, error)
	// LoadMessages returns the newest limit messages in chronological
	// order. limit <= 0 returns all.
	LoadMessages(ctx context.Context, limit int) ([]domain.MessageRecord, error)
	Close() error
}

// Load reads everything needed to seed a client.
func Load(ctx context.Context, s Store, messageLimit int) ([]domain.NodeRecord, []domain.MessageRecord, error) {
	nodes, err := s.LoadNodes(ctx)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.LoadMessages(ctx, messageLimit)
	if err != nil {
		return nil, nil, err
	}
	return nodes, msgs, nil
}

// SortMessages orders by time, then record id, and keeps the newest limit.
func SortMessages(msgs []domain.MessageRecord, limit int) []domain.MessageRecord {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].At.Equal(msgs[j].At) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].At.Before(msgs[j].At)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// SortNodes orders by node number.
func SortNodes(nodes []domain.NodeRecord) []domain.NodeRecord {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Num < nodes[j].Num })
	return nodes
}
