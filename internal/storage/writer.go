package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWriterBuffer = 1024
	DefaultWriteTimeout = 5 * time.Second
)

const (
	opSaveNode    = "save_node"
	opSaveMessage = "save_message"
	opDeleteNode  = "delete_node"
)

type op struct {
	name string
	node domain.NodeRecord
	msg  domain.MessageRecord
	num  uint32
}

// Writer applies saves to a Store on its own goroutine so callers never
// block on disk or network. It satisfies client.Persister.
type Writer struct {
	store   Store
	timeout time.Duration
	queue   chan op
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewWriter(store Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultWriterBuffer
	}
	w := &Writer{
		store:   store,
		timeout: DefaultWriteTimeout,
		queue:   make(chan op, buffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) SaveNode(n domain.NodeRecord)       { w.enqueue(op{name: opSaveNode, node: n}) }
func (w *Writer) SaveMessage(m domain.MessageRecord) { w.enqueue(op{name: opSaveMessage, msg: m}) }
func (w *Writer) DeleteNode(num uint32)              { w.enqueue(op{name: opDeleteNode, num: num}) }

// Dropped counts saves discarded because the queue was full or closed.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

func (w *Writer) enqueue(o op) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- o:
	default:
		w.dropped.Add(1)
		observability.RecordStoreWrite(o.name, ErrQueueFull)
		log.Warn().Str("op", o.name).Msg("storage.Writer.enqueue queue full, dropping")
	}
}

// Close drains queued saves and stops the writer. It does not close the
// Store.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for o := range w.queue {
		err := w.apply(o)
		observability.RecordStoreWrite(o.name, err)
		if err != nil {
			log.Error().Err(err).Str("op", o.name).Msg("storage.Writer.run write failed")
		}
	}
}

func (w *Writer) apply(o op) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	switch o.name {
	case opSaveNode:
		return w.store.SaveNode(ctx, o.node)
	case opSaveMessage:
		return w.store.SaveMessage(ctx, o.msg)
	case opDeleteNode:
		return w.store.DeleteNode(ctx, o.num)
	}
	return nil
}
