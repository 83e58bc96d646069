// Package storetest is a behavioral suite every storage.Store must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/storage"
)

// Run exercises open's store. open must return an empty store and register
// its own cleanup.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("NodeUpsertAndDelete", func(t *testing.T) { nodeUpsertAndDelete(t, open(t)) })
	t.Run("MessageUpsertAndOrder", func(t *testing.T) { messageUpsertAndOrder(t, open(t)) })
	t.Run("ZeroValuedPointersSurvive", func(t *testing.T) { zeroValuedPointersSurvive(t, open(t)) })
	t.Run("RejectsMessageWithoutID", func(t *testing.T) { rejectsMessageWithoutID(t, open(t)) })
}

func nodeUpsertAndDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	heard := time.Unix(1_700_000_000, 0).UTC()
	if err := s.SaveNode(ctx, domain.NodeRecord{Num: 20, LongName: "Summit", LastHeard: heard}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveNode(ctx, domain.NodeRecord{Num: 3, LongName: "Valley"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveNode(ctx, domain.NodeRecord{Num: 20, LongName: "Summit II", LastHeard: heard, Route: []uint32{3}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	nodes, err := s.LoadNodes(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Num != 3 || nodes[1].LongName != "Summit II" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if !nodes[1].LastHeard.Equal(heard) || len(nodes[1].Route) != 1 {
		t.Fatalf("fields lost: %+v", nodes[1])
	}

	if err := s.DeleteNode(ctx, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteNode(ctx, 999); err != nil {
		t.Fatalf("deleting a missing node must succeed: %v", err)
	}
	nodes, _ = s.LoadNodes(ctx)
	if len(nodes) != 1 || nodes[0].Num != 20 {
		t.Fatalf("unexpected nodes after delete %+v", nodes)
	}
}

func messageUpsertAndOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i, id := range []string{"c", "a", "b"} {
		m := domain.MessageRecord{ID: id, PacketID: uint32(i + 1), From: 1, To: 2, Text: id, At: base.Add(time.Duration(len(id)+i) * time.Second)}
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	sent := domain.MessageRecord{ID: "a", PacketID: 2, From: 1, To: 2, Text: "a", Outgoing: true, Status: domain.DeliveryFailed, FailureReason: "TIMEOUT", At: base.Add(2 * time.Second)}
	if err := s.SaveMessage(ctx, sent); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := s.LoadMessages(ctx, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Fatalf("unexpected order %+v", all)
	}
	if all[1].Status != domain.DeliveryFailed || all[1].FailureReason != "TIMEOUT" {
		t.Fatalf("upsert lost delivery state: %+v", all[1])
	}

	newest, err := s.LoadMessages(ctx, 2)
	if err != nil {
		t.Fatalf("load limited: %v", err)
	}
	if len(newest) != 2 || newest[0].ID != "a" || newest[1].ID != "b" {
		t.Fatalf("expected newest two in order, got %+v", newest)
	}
}

func zeroValuedPointersSurvive(t *testing.T, s storage.Store) {
	ctx := context.Background()
	zero := uint32(0)
	snr := float32(0)
	if err := s.SaveNode(ctx, domain.NodeRecord{Num: 8, BatteryLevel: &zero, SNR: &snr}); err != nil {
		t.Fatalf("save: %v", err)
	}
	nodes, err := s.LoadNodes(ctx)
	if err != nil || len(nodes) != 1 {
		t.Fatalf("load: %v %+v", err, nodes)
	}
	if nodes[0].BatteryLevel == nil || *nodes[0].BatteryLevel != 0 || nodes[0].SNR == nil {
		t.Fatalf("known zero readings lost: %+v", nodes[0])
	}
}

func rejectsMessageWithoutID(t *testing.T, s storage.Store) {
	err := s.SaveMessage(context.Background(), domain.MessageRecord{Text: "orphan"})
	if err == nil {
		t.Fatalf("expected error for message without id")
	}
}
