package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

type fakeConnector struct {
	gen      atomic.Uint64
	mu       sync.Mutex
	attempts []int
	failN    int
	giveUps  []uint64
}

func (f *fakeConnector) Generation() uint64 { return f.gen.Load() }

func (f *fakeConnector) Reestablish(_ context.Context, gen uint64, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	if f.failN < 0 || len(f.attempts) <= f.failN {
		return errors.New("radio not answering")
	}
	return nil
}

func (f *fakeConnector) GiveUp(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.giveUps = append(f.giveUps, gen)
}

func (f *fakeConnector) snapshot() ([]int, []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attempts...), append([]uint64(nil), f.giveUps...)
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 32 * time.Second, 32 * time.Second}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, w)
		}
	}
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config should not wait, got=%v", got)
	}
}

func TestExhaustionDelaysThenGiveUp(t *testing.T) {
	testlog.Start(t)
	conn := &fakeConnector{failN: -1}
	conn.gen.Store(7)
	rec := &recordedSleep{}
	s := New(DefaultConfig(), conn)
	s.SetSleep(rec.sleep)

	if !s.Trigger(7) {
		t.Fatalf("first trigger should start a sequence")
	}
	s.Wait()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("unexpected delays=%v", rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Fatalf("delay[%d]=%v want=%v", i, rec.delays[i], want[i])
		}
	}
	attempts, giveUps := conn.snapshot()
	if len(attempts) != 5 || attempts[4] != 5 {
		t.Fatalf("unexpected attempts=%v", attempts)
	}
	if len(giveUps) != 1 || giveUps[0] != 7 {
		t.Fatalf("unexpected give ups=%v", giveUps)
	}
	if s.Active() {
		t.Fatalf("supervisor should be idle")
	}
}

func TestSuccessStopsSequence(t *testing.T) {
	testlog.Start(t)
	conn := &fakeConnector{failN: 2}
	rec := &recordedSleep{}
	s := New(DefaultConfig(), conn)
	s.SetSleep(rec.sleep)
	s.Trigger(0)
	s.Wait()
	attempts, giveUps := conn.snapshot()
	if len(attempts) != 3 || len(giveUps) != 0 {
		t.Fatalf("attempts=%v giveUps=%v", attempts, giveUps)
	}
}

func TestTriggerWhileActiveIsNoop(t *testing.T) {
	testlog.Start(t)
	conn := &fakeConnector{failN: -1}
	release := make(chan struct{})
	s := New(DefaultConfig(), conn)
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !s.Trigger(0) {
		t.Fatalf("first trigger should start")
	}
	if s.Trigger(0) {
		t.Fatalf("second trigger must be a no-op")
	}
	s.Cancel()
	s.Wait()
	close(release)
	attempts, giveUps := conn.snapshot()
	if len(attempts) != 0 || len(giveUps) != 0 {
		t.Fatalf("cancelled sequence made progress: attempts=%v giveUps=%v", attempts, giveUps)
	}
}

func TestGenerationAdvanceAbortsSilently(t *testing.T) {
	testlog.Start(t)
	conn := &fakeConnector{failN: -1}
	conn.gen.Store(3)
	s := New(DefaultConfig(), conn)
	var sleeps atomic.Int32
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		if sleeps.Add(1) == 2 {
			conn.gen.Add(1)
		}
		return nil
	})
	s.Trigger(3)
	s.Wait()
	attempts, giveUps := conn.snapshot()
	if len(attempts) != 1 {
		t.Fatalf("only the attempt before the generation change should run, got %v", attempts)
	}
	if len(giveUps) != 0 {
		t.Fatalf("superseded sequence must not give up: %v", giveUps)
	}
}

func TestSupersededErrorStops(t *testing.T) {
	testlog.Start(t)
	s := New(DefaultConfig(), connectorFunc(func(context.Context, uint64, int) error { return ErrSuperseded }))
	var calls atomic.Int32
	s.SetSleep(func(context.Context, time.Duration) error {
		calls.Add(1)
		return nil
	})
	s.Trigger(0)
	s.Wait()
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

type connectorFunc func(ctx context.Context, gen uint64, attempt int) error

func (f connectorFunc) Generation() uint64 { return 0 }

func (f connectorFunc) Reestablish(ctx context.Context, gen uint64, attempt int) error {
	return f(ctx, gen, attempt)
}

func (f connectorFunc) GiveUp(uint64) {}
