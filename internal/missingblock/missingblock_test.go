package missingblock

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/pkg/models"
)

const blockHash = "111111111111111111111111111111111111111111111111111111111111111a"

type fakeStore struct {
	headersOnly []models.Block
	cleared     []string
	peers       map[int64][]models.Peer
}

func (f *fakeStore) HeadersOnlyNearTip(ctx context.Context, windowBelow int64) ([]models.Block, error) {
	return f.headersOnly, nil
}

func (f *fakeStore) ClearHeadersOnly(ctx context.Context, hash string, txids, addedTxids, omittedTxids []string, pool, coinbaseMsg string, totalFee int64) error {
	f.cleared = append(f.cleared, hash)
	return nil
}

func (f *fakeStore) ReplacePeers(ctx context.Context, nodeID int64, peers []models.Peer) error {
	return nil
}

func (f *fakeStore) ListPeers(ctx context.Context, nodeID int64) ([]models.Peer, error) {
	return f.peers[nodeID], nil
}

var _ Store = (*fakeStore)(nil)

func TestFetchDirectForBlocksNearTip(t *testing.T) {
	st := &fakeStore{headersOnly: []models.Block{{Hash: blockHash, Height: 995, FirstSeenBy: 1}}}

	primary := node.NewFakeClient()
	primary.BlockHex[blockHash] = "deadbeef"
	entries := []*node.PoolEntry{{Node: models.Node{ID: 1}, Primary: primary}}

	if err := Fetch(context.Background(), st, entries, func() int64 { return 1000 }); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(st.cleared) != 1 || st.cleared[0] != blockHash {
		t.Fatalf("cleared = %v, want [%s]", st.cleared, blockHash)
	}
	if len(primary.SubmittedBlocks) != 1 || primary.SubmittedBlocks[0] != "deadbeef" {
		t.Fatalf("submitted = %v, want resubmit to the first-seen node", primary.SubmittedBlocks)
	}
}

func TestFetchViaMirrorPeersWhenFarFromTip(t *testing.T) {
	st := &fakeStore{
		headersOnly: []models.Block{{Hash: blockHash, Height: 500, FirstSeenBy: 1}},
		peers:       map[int64][]models.Peer{1: {{PeerID: 9, Address: "peer9"}}},
	}

	primary := node.NewFakeClient()
	mirror := node.NewFakeClient()
	mirror.Headers[blockHash] = &btcjson.GetBlockHeaderVerboseResult{Hash: blockHash}
	mirror.BlockHex[blockHash] = "cafebabe"
	entries := []*node.PoolEntry{{Node: models.Node{ID: 1}, Primary: primary, Mirror: mirror}}

	if err := Fetch(context.Background(), st, entries, func() int64 { return 1000 }); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(st.cleared) != 1 {
		t.Fatalf("cleared = %v, want one entry", st.cleared)
	}
	if len(primary.SubmittedBlocks) != 1 || primary.SubmittedBlocks[0] != "cafebabe" {
		t.Fatalf("submitted to first-seen node = %v, want [cafebabe]", primary.SubmittedBlocks)
	}
}

func TestFetchViaMirrorPeersDisconnectsDecliningPeers(t *testing.T) {
	st := &fakeStore{
		headersOnly: []models.Block{{Hash: blockHash, Height: 500, FirstSeenBy: 1}},
		peers: map[int64][]models.Peer{1: {
			{PeerID: 1, Address: "declines"},
			{PeerID: 2, Address: "accepts"},
		}},
	}

	primary := node.NewFakeClient()
	mirror := node.NewFakeClient()
	mirror.Headers[blockHash] = &btcjson.GetBlockHeaderVerboseResult{Hash: blockHash}
	mirror.BlockHex[blockHash] = "cafebabe"
	mirror.Errs["GetBlockFromPeer"] = errOnce{}
	entries := []*node.PoolEntry{{Node: models.Node{ID: 1}, Primary: primary, Mirror: mirror}}

	if err := Fetch(context.Background(), st, entries, func() int64 { return 1000 }); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(mirror.Disconnected) == 0 {
		t.Fatal("expected at least one peer disconnect when GetBlockFromPeer fails")
	}
}

type errOnce struct{}

func (errOnce) Error() string { return "peer declined" }
