package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNoPendingSelection = errors.New("transport: no pending selection")
	ErrUnknownCandidate   = errors.New("transport: unknown candidate")
)

// Candidate is one discovered device or port offered to the user.
type Candidate struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Selector resolves a choice among several discovered candidates. A
// cancelled choice is reported as ErrDeviceUnavailable.
type Selector interface {
	Select(ctx context.Context, kind Kind, candidates []Candidate) (Candidate, error)
}

// SelectFirst always picks the first candidate. Useful for headless runs.
type SelectFirst struct{}

func (SelectFirst) Select(_ context.Context, _ Kind, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrDeviceUnavailable
	}
	return candidates[0], nil
}

// PendingSelection is the candidate list currently waiting on a decision.
type PendingSelection struct {
	Kind       Kind        `json:"kind"`
	Candidates []Candidate `json:"candidates"`
}

type selectionResult struct {
	candidate Candidate
	cancelled bool
}

// PendingSelector parks session establishment until an external party
// calls Choose or Cancel.
type PendingSelector struct {
	mu      sync.Mutex
	pending *PendingSelection
	result  chan selectionResult
}

func NewPendingSelector() *PendingSelector {
	return &PendingSelector{}
}

func (s *PendingSelector) Select(ctx context.Context, kind Kind, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrDeviceUnavailable
	}
	result := make(chan selectionResult, 1)
	s.mu.Lock()
	if s.result != nil {
		s.result <- selectionResult{cancelled: true}
	}
	s.pending = &PendingSelection{Kind: kind, Candidates: append([]Candidate(nil), candidates...)}
	s.result = result
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.result == result {
			s.pending = nil
			s.result = nil
		}
		s.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return Candidate{}, fmt.Errorf("%w: selection aborted: %w", ErrDeviceUnavailable, ctx.Err())
	case r := <-result:
		if r.cancelled {
			return Candidate{}, fmt.Errorf("%w: selection cancelled", ErrDeviceUnavailable)
		}
		return r.candidate, nil
	}
}

// Pending returns the outstanding candidate list, if any.
func (s *PendingSelector) Pending() (PendingSelection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingSelection{}, false
	}
	out := *s.pending
	out.Candidates = append([]Candidate(nil), s.pending.Candidates...)
	return out, true
}

func (s *PendingSelector) Choose(id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ErrNoPendingSelection
	}
	for _, c := range s.pending.Candidates {
		if c.ID == id {
			s.result <- selectionResult{candidate: c}
			s.pending = nil
			s.result = nil
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCandidate, id)
}

func (s *PendingSelector) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ErrNoPendingSelection
	}
	s.result <- selectionResult{cancelled: true}
	s.pending = nil
	s.result = nil
	return nil
}

func resolveCandidate(ctx context.Context, sel Selector, kind Kind, candidates []Candidate) (Candidate, error) {
	switch len(candidates) {
	case 0:
		return Candidate{}, fmt.Errorf("%w: no %s devices found", ErrDeviceUnavailable, kind)
	case 1:
		return candidates[0], nil
	}
	if sel == nil {
		sel = SelectFirst{}
	}
	return sel.Select(ctx, kind, candidates)
}
