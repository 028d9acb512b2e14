package ingest

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/rpcerr"
	"github.com/twilight-project/forkscanner/pkg/models"
)

const (
	hashTip    = "111111111111111111111111111111111111111111111111111111111111111a"
	hashParent = "222222222222222222222222222222222222222222222222222222222222222b"
	hashGrand  = "333333333333333333333333333333333333333333333333333333333333333c"
)

type fakeStore struct {
	blocks        map[string]*models.Block
	upserted      []models.Block
	clearedHeaders []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[string]*models.Block)}
}

func (f *fakeStore) GetBlock(ctx context.Context, hash string) (*models.Block, error) {
	return f.blocks[hash], nil
}

func (f *fakeStore) UpsertBlock(ctx context.Context, b models.Block) error {
	f.upserted = append(f.upserted, b)
	cp := b
	// Like store.UpsertBlock, an existing connected=true is never cleared.
	if prev, ok := f.blocks[b.Hash]; ok && prev.Connected {
		cp.Connected = true
	}
	f.blocks[b.Hash] = &cp
	return nil
}

func (f *fakeStore) ClearHeadersOnly(ctx context.Context, hash string, txids, addedTxids, omittedTxids []string, pool, coinbaseMsg string, totalFee int64) error {
	f.clearedHeaders = append(f.clearedHeaders, hash)
	return nil
}

func (f *fakeStore) BlockTemplateTxids(ctx context.Context, nodeID int64, parentHash string) ([]string, error) {
	return nil, nil
}

var _ Store = (*fakeStore)(nil)

func headerFor(hash, parent string, height int64) *btcjson.GetBlockHeaderVerboseResult {
	return &btcjson.GetBlockHeaderVerboseResult{Hash: hash, Height: int32(height), PreviousHash: parent, Chainwork: "00"}
}

func TestIngestStopsOnceStoredBlockIsConnected(t *testing.T) {
	st := newFakeStore()
	st.blocks[hashTip] = &models.Block{Hash: hashTip, Connected: true}

	client := node.NewFakeClient()
	client.Headers[hashTip] = headerFor(hashTip, hashParent, 100)
	client.Blocks[hashTip] = &btcjson.GetBlockVerboseTxResult{}

	if err := Ingest(context.Background(), st, nil, client, 1, hashTip, false); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(st.upserted) != 1 {
		t.Fatalf("upserted %d blocks, want 1 (stop once the reloaded block is connected)", len(st.upserted))
	}
}

func TestIngestWalksAncestryToGenesis(t *testing.T) {
	st := newFakeStore()

	client := node.NewFakeClient()
	client.Headers[hashTip] = headerFor(hashTip, hashParent, 100)
	client.Headers[hashParent] = headerFor(hashParent, hashGrand, 99)
	client.Headers[hashGrand] = headerFor(hashGrand, "", 98)
	for _, h := range []string{hashTip, hashParent, hashGrand} {
		client.Blocks[h] = &btcjson.GetBlockVerboseTxResult{}
	}

	if err := Ingest(context.Background(), st, nil, client, 1, hashTip, false); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(st.upserted) != 3 {
		t.Fatalf("upserted %d blocks, want 3 (walk until genesis)", len(st.upserted))
	}
	if st.blocks[hashGrand].ParentHash != nil {
		t.Fatalf("genesis parent = %v, want nil", st.blocks[hashGrand].ParentHash)
	}
}

func TestIngestHeadersOnlySkipsBodyFetch(t *testing.T) {
	st := newFakeStore()
	client := node.NewFakeClient()
	client.Headers[hashTip] = headerFor(hashTip, "", 100)
	// No client.Blocks entry: fetchBody would error if called.

	if err := Ingest(context.Background(), st, nil, client, 1, hashTip, true); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(st.upserted) != 1 || !st.upserted[0].HeadersOnly {
		t.Fatalf("upserted = %+v, want one headers-only block", st.upserted)
	}
	if len(st.clearedHeaders) != 0 {
		t.Fatal("ClearHeadersOnly should not run when the body was never fetched")
	}
}

func TestIngestPrunedBodyDegradesToHeadersOnly(t *testing.T) {
	st := newFakeStore()
	client := node.NewFakeClient()
	client.Headers[hashTip] = headerFor(hashTip, "", 100)
	client.Errs["GetBlockVerboseTx"] = &btcjson.RPCError{Code: rpcerr.CodeBlockNotOnDisk, Message: "Block not available (pruned data)"}

	if err := Ingest(context.Background(), st, nil, client, 1, hashTip, false); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(st.upserted) != 1 || !st.upserted[0].HeadersOnly {
		t.Fatalf("upserted = %+v, want headers_only=true after a pruned body fetch", st.upserted)
	}
}

func TestDiffTxidsAddedAndOmitted(t *testing.T) {
	template := []string{"a", "b", "c"}
	block := []string{"b", "c", "d"}

	added, omitted := diffTxids(template, block)
	if len(added) != 1 || added[0] != "d" {
		t.Fatalf("added = %v, want [d]", added)
	}
	if len(omitted) != 1 || omitted[0] != "a" {
		t.Fatalf("omitted = %v, want [a]", omitted)
	}
}

func TestAsciiPrintableStripsControlBytes(t *testing.T) {
	raw := []byte{0x03, 'h', 'i', 0x00, '!'}
	if got := asciiPrintable(raw); got != "hi!" {
		t.Fatalf("asciiPrintable = %q, want %q", got, "hi!")
	}
}
