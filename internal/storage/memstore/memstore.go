// Package memstore is a process-local storage.Store. Nothing survives a
// restart.
package memstore

import (
	"context"
	"sync"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/storage"
)

type Store struct {
	mu       sync.RWMutex
	nodes    map[uint32]domain.NodeRecord
	messages map[string]domain.MessageRecord
	closed   bool
}

func New() *Store {
	return &Store{
		nodes:    make(map[uint32]domain.NodeRecord),
		messages: make(map[string]domain.MessageRecord),
	}
}

func (s *Store) SaveNode(_ context.Context, n domain.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.nodes[n.Num] = n
	return nil
}

func (s *Store) SaveMessage(_ context.Context, m domain.MessageRecord) error {
	if m.ID == "" {
		return storage.ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.messages[m.ID] = m
	return nil
}

func (s *Store) DeleteNode(_ context.Context, num uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.nodes, num)
	return nil
}

func (s *Store) LoadNodes(context.Context) ([]domain.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NodeRecord, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return storage.SortNodes(out), nil
}

func (s *Store) LoadMessages(_ context.Context, limit int) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MessageRecord, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	return storage.SortMessages(out, limit), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
