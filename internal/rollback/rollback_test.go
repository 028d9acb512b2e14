package rollback

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/pkg/models"
)

type fakeStore struct {
	ancestry    map[string][]models.Block
	validMarks  []string
	invalidMarks []string
}

func (f *fakeStore) GetBlock(ctx context.Context, hash string) (*models.Block, error) { return nil, nil }

func (f *fakeStore) Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error) {
	return f.ancestry[hash], nil
}

func (f *fakeStore) MarkValid(ctx context.Context, hash string, nodeID int64) error {
	f.validMarks = append(f.validMarks, hash)
	return nil
}

func (f *fakeStore) MarkInvalid(ctx context.Context, hash string, nodeID int64) error {
	f.invalidMarks = append(f.invalidMarks, hash)
	return nil
}

var _ Store = (*fakeStore)(nil)

const (
	tgt  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	act  = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	fork = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	achl = "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
)

func TestActivateAlreadyAtTargetDoesNothing(t *testing.T) {
	st := &fakeStore{}
	client := node.NewFakeClient()
	client.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: tgt}

	invalidated, err := Activate(context.Background(), st, client, tgt)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(invalidated) != 0 {
		t.Fatalf("invalidated = %v, want none", invalidated)
	}
	if !client.NetworkActive {
		t.Fatal("expected p2p re-enabled after Activate returns")
	}
}

func TestActivateExceedsRetriesReturnsErrorAndReenablesP2P(t *testing.T) {
	st := &fakeStore{ancestry: map[string][]models.Block{
		tgt: {{Hash: fork}, {Hash: tgt}},
		act: {{Hash: achl}, {Hash: fork}, {Hash: act}},
	}}
	client := node.NewFakeClient()
	client.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: act}

	invalidated, err := Activate(context.Background(), st, client, tgt)
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if len(invalidated) != MaxActivateRetries {
		t.Fatalf("invalidated %d times, want %d", len(invalidated), MaxActivateRetries)
	}
	if !client.NetworkActive {
		t.Fatal("expected p2p re-enabled even on the failure path")
	}
}

func TestFindForkPointReturnsDivergentChild(t *testing.T) {
	st := &fakeStore{ancestry: map[string][]models.Block{
		tgt: {{Hash: fork}, {Hash: tgt}},
		act: {{Hash: achl}, {Hash: fork}, {Hash: act}},
	}}

	fp, child, err := findForkPoint(context.Background(), st, tgt, act)
	if err != nil {
		t.Fatalf("findForkPoint: %v", err)
	}
	if fp != fork {
		t.Fatalf("forkPoint = %q, want %q", fp, fork)
	}
	if child != achl {
		t.Fatalf("activeChild = %q, want %q", child, achl)
	}
}

func TestUndoReconsidersInReverseOrder(t *testing.T) {
	client := node.NewFakeClient()
	order := []string{tgt, act, fork}

	if err := Undo(client, order); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	want := []string{fork, act, tgt}
	if len(client.Reconsidered) != len(want) {
		t.Fatalf("reconsidered = %v, want %v", client.Reconsidered, want)
	}
	for i := range want {
		if client.Reconsidered[i] != want[i] {
			t.Fatalf("reconsidered = %v, want %v", client.Reconsidered, want)
		}
	}
}

func TestValidateOneMarksValidWhenAlreadyConverged(t *testing.T) {
	st := &fakeStore{}
	primary := node.NewFakeClient()
	mirror := node.NewFakeClient()
	mirror.BlockHex[tgt] = "deadbeef" // body already present, no push needed
	mirror.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: tgt}

	if err := validateOne(context.Background(), st, primary, mirror, 1, tgt); err != nil {
		t.Fatalf("validateOne: %v", err)
	}
	if len(st.validMarks) != 1 || st.validMarks[0] != tgt {
		t.Fatalf("validMarks = %v, want [%s]", st.validMarks, tgt)
	}
	if len(mirror.SubmittedBlocks) != 0 {
		t.Fatal("expected no body push when the mirror already had it")
	}
}

func TestValidateOnePushesBodyWhenMirrorMissingIt(t *testing.T) {
	st := &fakeStore{}
	primary := node.NewFakeClient()
	primary.BlockHex[tgt] = "deadbeef"
	mirror := node.NewFakeClient()
	mirror.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: tgt}

	if err := validateOne(context.Background(), st, primary, mirror, 1, tgt); err != nil {
		t.Fatalf("validateOne: %v", err)
	}
	if len(mirror.SubmittedBlocks) != 1 || mirror.SubmittedBlocks[0] != "deadbeef" {
		t.Fatalf("submitted blocks = %v, want [deadbeef]", mirror.SubmittedBlocks)
	}
	if len(st.validMarks) != 1 {
		t.Fatalf("validMarks = %v, want one mark", st.validMarks)
	}
}

func TestValidateOneReconsidersInvalidTipsWhenActivationFails(t *testing.T) {
	st := &fakeStore{ancestry: map[string][]models.Block{
		tgt: {{Hash: fork}, {Hash: tgt}},
		act: {{Hash: achl}, {Hash: fork}, {Hash: act}},
	}}
	primary := node.NewFakeClient()
	mirror := node.NewFakeClient()
	mirror.BlockHex[tgt] = "deadbeef"
	mirror.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: act}
	mirror.ChainTips = []btcjson.GetChainTipsResult{{Hash: achl, Status: "invalid"}}

	err := validateOne(context.Background(), st, primary, mirror, 1, tgt)
	if err == nil {
		t.Fatal("expected an error since activation never converges")
	}
	if len(st.validMarks) != 0 {
		t.Fatalf("validMarks = %v, want none on a failed activation", st.validMarks)
	}
	found := false
	for _, h := range mirror.Reconsidered {
		if h == achl {
			found = true
		}
	}
	if !found {
		t.Fatalf("reconsidered = %v, want it to include the invalid tip %s", mirror.Reconsidered, achl)
	}
}
