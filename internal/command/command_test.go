package command

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/twilight-project/forkscanner/internal/dispatch"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/pkg/models"
)

type noopStore struct{}

func (noopStore) GetBlock(ctx context.Context, hash string) (*models.Block, error) { return nil, nil }
func (noopStore) Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error) {
	return nil, nil
}
func (noopStore) MarkValid(ctx context.Context, hash string, nodeID int64) error   { return nil }
func (noopStore) MarkInvalid(ctx context.Context, hash string, nodeID int64) error { return nil }

func TestQueueSubmitAndDrain(t *testing.T) {
	q := NewQueue()
	if !q.Submit(models.SetTipCommand{NodeID: 1, Hash: "a"}) {
		t.Fatal("expected submit to succeed")
	}
	if !q.Submit(models.SetTipCommand{NodeID: 2, Hash: "b"}) {
		t.Fatal("expected submit to succeed")
	}

	cmds := q.Drain()
	if len(cmds) != 2 {
		t.Fatalf("drained %d commands, want 2", len(cmds))
	}
	if len(q.Drain()) != 0 {
		t.Fatal("expected queue to be empty after drain")
	}
}

func TestQueueSubmitDropsWhenFull(t *testing.T) {
	q := NewQueue()
	for i := 0; i < QueueDepth; i++ {
		if !q.Submit(models.SetTipCommand{NodeID: int64(i)}) {
			t.Fatalf("submit %d should have succeeded", i)
		}
	}
	if q.Submit(models.SetTipCommand{NodeID: 999}) {
		t.Fatal("expected submit to report drop once the queue is full")
	}
}

func TestProcessUnknownNodeEmitsTipUpdateFailed(t *testing.T) {
	hub := dispatch.NewHub()
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)

	clients := Clients(func(nodeID int64) (node.NodeClient, bool) { return nil, false })
	Process(context.Background(), noopStore{}, clients, hub, []models.SetTipCommand{{NodeID: 42, Hash: "deadbeef"}})

	select {
	case evt := <-ch:
		if evt.Type != models.EventTipUpdateFailed {
			t.Fatalf("type = %s, want %s", evt.Type, models.EventTipUpdateFailed)
		}
		payload := evt.Payload.(models.TipUpdateFailedPayload)
		if payload.NodeID != 42 || payload.Reason != "unknown node" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestProcessAlreadyAtTargetEmitsTipUpdated(t *testing.T) {
	hub := dispatch.NewHub()
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)

	fc := node.NewFakeClient()
	fc.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: "tip-hash"}

	clients := Clients(func(nodeID int64) (node.NodeClient, bool) { return fc, true })
	Process(context.Background(), noopStore{}, clients, hub, []models.SetTipCommand{{NodeID: 1, Hash: "tip-hash"}})

	select {
	case evt := <-ch:
		if evt.Type != models.EventTipUpdated {
			t.Fatalf("type = %s, want %s", evt.Type, models.EventTipUpdated)
		}
		payload := evt.Payload.(models.TipUpdatedPayload)
		if payload.NodeID != 1 || payload.Hash != "tip-hash" || len(payload.InvalidatedHashes) != 0 {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	if !fc.NetworkActive {
		t.Fatal("expected p2p to be re-enabled after activation")
	}
}
