package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/testutil/testlog"
	"github.com/danmuck/meshlink/internal/transport"
)

type fakeTarget struct {
	mu       sync.Mutex
	last     time.Time
	probeErr error
	probes   int
}

func (f *fakeTarget) LastEvent() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeTarget) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

type recordingListener struct {
	mu      sync.Mutex
	events  []string
	reasons []string
}

func (l *recordingListener) OnStale() { l.add("stale", "") }

func (l *recordingListener) OnHealthy() { l.add("healthy", "") }

func (l *recordingListener) OnDead(reason string) { l.add("dead", reason) }

func (l *recordingListener) add(ev, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	l.reasons = append(l.reasons, reason)
}

func (l *recordingListener) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestDefaultThresholdsPerTransport(t *testing.T) {
	testlog.Start(t)
	cases := map[transport.Kind]Thresholds{
		transport.KindBLE:    {Stale: 90 * time.Second, Dead: 180 * time.Second},
		transport.KindSerial: {Stale: 120 * time.Second, Dead: 300 * time.Second},
		transport.KindTCP:    {Stale: 60 * time.Second, Dead: 120 * time.Second},
	}
	for kind, want := range cases {
		if got := DefaultThresholds(kind); got != want {
			t.Fatalf("kind=%s got=%+v want=%+v", kind, got, want)
		}
	}
	if !ConfigFor(transport.KindBLE).Probe || ConfigFor(transport.KindSerial).Probe || ConfigFor(transport.KindTCP).Probe {
		t.Fatalf("only ble should probe")
	}
}

func TestEvaluateBoundaries(t *testing.T) {
	testlog.Start(t)
	th := DefaultThresholds(transport.KindTCP)
	if th.Evaluate(59*time.Second) != Healthy {
		t.Fatalf("59s should be healthy")
	}
	if th.Evaluate(60*time.Second) != Stale || th.Evaluate(119*time.Second) != Stale {
		t.Fatalf("[60s,120s) should be stale")
	}
	if th.Evaluate(120*time.Second) != Dead {
		t.Fatalf("120s should be dead")
	}
}

func TestStaleThenRecoverThenDeadOnce(t *testing.T) {
	testlog.Start(t)
	base := time.Unix(1700000000, 0)
	now := base
	target := &fakeTarget{last: base}
	l := &recordingListener{}
	w := New(ConfigFor(transport.KindTCP), target, l)
	w.SetClock(func() time.Time { return now })
	ctx := context.Background()

	now = base.Add(30 * time.Second)
	if got := w.Check(ctx); got != Healthy {
		t.Fatalf("expected healthy, got %s", got)
	}
	now = base.Add(75 * time.Second)
	if got := w.Check(ctx); got != Stale {
		t.Fatalf("expected stale, got %s", got)
	}

	target.mu.Lock()
	target.last = now
	target.mu.Unlock()
	if !w.Touch() || w.Health() != Healthy {
		t.Fatalf("touch should restore healthy")
	}
	if w.Touch() {
		t.Fatalf("touch on healthy should report no change")
	}

	now = now.Add(200 * time.Second)
	if got := w.Check(ctx); got != Dead {
		t.Fatalf("expected dead, got %s", got)
	}
	w.Check(ctx)
	w.MarkDead("again")

	got := l.list()
	want := []string{"stale", "dead"}
	if len(got) != len(want) {
		t.Fatalf("unexpected transitions=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition[%d]=%s want %s", i, got[i], want[i])
		}
	}
}

func TestProbeFailureIsImmediatelyDead(t *testing.T) {
	testlog.Start(t)
	base := time.Unix(1700000000, 0)
	now := base
	target := &fakeTarget{last: base}
	l := &recordingListener{}
	w := New(ConfigFor(transport.KindBLE), target, l)
	w.SetClock(func() time.Time { return now })
	w.lastProbe = base

	now = base.Add(15 * time.Second)
	w.Check(context.Background())
	if target.probes != 0 {
		t.Fatalf("probe should wait for its interval")
	}

	target.mu.Lock()
	target.last = base.Add(29 * time.Second)
	target.probeErr = errors.New("write failed")
	target.mu.Unlock()
	now = base.Add(30 * time.Second)
	if got := w.Check(context.Background()); got != Dead {
		t.Fatalf("expected dead on probe failure, got %s", got)
	}
	if target.probes != 1 {
		t.Fatalf("unexpected probes=%d", target.probes)
	}
	if got := l.list(); len(got) != 1 || got[0] != "dead" {
		t.Fatalf("unexpected transitions=%v", got)
	}
}

func TestSerialNeverProbes(t *testing.T) {
	testlog.Start(t)
	base := time.Unix(1700000000, 0)
	now := base
	target := &fakeTarget{last: base, probeErr: errors.New("unused")}
	w := New(ConfigFor(transport.KindSerial), target, &recordingListener{})
	w.SetClock(func() time.Time { return now })
	now = base.Add(100 * time.Second)
	if got := w.Check(context.Background()); got != Healthy {
		t.Fatalf("expected healthy, got %s", got)
	}
	if target.probes != 0 {
		t.Fatalf("serial must not probe")
	}
}

func TestPollLoopStopsAfterDead(t *testing.T) {
	testlog.Start(t)
	target := &fakeTarget{last: time.Now().Add(-time.Hour)}
	l := &recordingListener{}
	cfg := ConfigFor(transport.KindTCP)
	cfg.PollInterval = 5 * time.Millisecond
	w := New(cfg, target, l)
	w.Start(context.Background())
	w.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(l.list()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dead never reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()
	w.Stop()
	if got := l.list(); len(got) != 1 || got[0] != "dead" {
		t.Fatalf("unexpected transitions=%v", got)
	}
}
