package badgerstore

import (
	"context"
	"testing"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/storage"
	"github.com/danmuck/meshlink/internal/storage/storetest"
	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

func TestStoreBehaviorInMemory(t *testing.T) {
	testlog.Start(t)
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open("")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStoreReopensFromDisk(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveNode(ctx, domain.NodeRecord{Num: 11, LongName: "Persisted"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	nodes, err := s.LoadNodes(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(nodes) != 1 || nodes[0].LongName != "Persisted" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}
