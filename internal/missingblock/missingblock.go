// Package missingblock backfills block bodies for headers-only blocks near
// the tip (spec §4.4). Grounded on spec.md §4.4 directly; the RPC shapes
// (getblockfrompeer/disconnectnode) are grounded on internal/node's
// RawRequest pattern (teacher's ScanTxOutset).
package missingblock

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// MaxBlockDepth bounds how close to the tip a headers-only block must be to
// qualify for direct body fetch rather than peer-relay (spec §4.4/§4.5).
const MaxBlockDepth = 10

// NearTipWindow bounds how far below the maximum observed height a
// headers-only block is still worth backfilling at all (spec §4.4: "Select
// all blocks with headers_only = true at height within 40 000 of the
// maximum").
const NearTipWindow = 40_000

// Store is the subset of *store.Store the fetcher needs.
type Store interface {
	HeadersOnlyNearTip(ctx context.Context, windowBelow int64) ([]models.Block, error)
	ClearHeadersOnly(ctx context.Context, hash string, txids, addedTxids, omittedTxids []string, pool, coinbaseMsg string, totalFee int64) error
	ReplacePeers(ctx context.Context, nodeID int64, peers []models.Peer) error
	ListPeers(ctx context.Context, nodeID int64) ([]models.Peer, error)
}

// TipHeight returns the height the "within MAX_BLOCK_DEPTH of the tip"
// comparison in Fetch is made against.
type TipHeight func() int64

// Fetch backfills every headers-only block within NearTipWindow of the
// maximum observed height: blocks within MaxBlockDepth of the tip are
// fetched directly from every client; blocks further behind are relayed
// through a mirror's peer list (spec §4.4).
func Fetch(ctx context.Context, st Store, entries []*node.PoolEntry, tipHeight TipHeight) error {
	blocks, err := st.HeadersOnlyNearTip(ctx, NearTipWindow)
	if err != nil {
		return fmt.Errorf("missingblock: list headers-only: %w", err)
	}

	tip := tipHeight()
	for _, b := range blocks {
		if tip-b.Height <= MaxBlockDepth {
			fetchDirect(ctx, st, entries, b)
		} else {
			fetchViaMirrorPeers(ctx, st, entries, b)
		}
	}
	return nil
}

// fetchDirect queries every client for the block body hex; on success it
// clears headers_only and resubmits the body to the node that first saw
// the header (spec §4.4 "If within MAX_BLOCK_DEPTH... query every client
// for the block body hex; on success, clear headers_only and resubmit the
// body to the node that first saw the header").
func fetchDirect(ctx context.Context, st Store, entries []*node.PoolEntry, b models.Block) {
	h, err := chainhash.NewHashFromStr(b.Hash)
	if err != nil {
		log.Printf("[missingblock] parse hash %s: %v", b.Hash, err)
		return
	}

	for _, e := range entries {
		hexBody, err := e.Primary.GetBlockHex(h)
		if err != nil {
			continue
		}

		if err := st.ClearHeadersOnly(ctx, b.Hash, b.Txids, b.AddedTxids, b.OmittedTxids, b.Pool, b.CoinbaseMsg, derefInt64(b.TotalFee)); err != nil {
			log.Printf("[missingblock] clear headers_only %s: %v", b.Hash, err)
			return
		}

		for _, target := range entries {
			if target.Node.ID == b.FirstSeenBy {
				if err := target.Primary.SubmitBlock(hexBody); err != nil {
					log.Printf("[missingblock] resubmit %s to node=%d: %v", b.Hash, target.Node.ID, err)
				}
				break
			}
		}
		return
	}
}

// fetchViaMirrorPeers ensures a mirror knows the header, then issues a
// per-peer fetch-from-you request, disconnecting peers that decline (spec
// §4.4: "Otherwise, on a mirror: ensure the mirror knows the header... then
// iterate through the mirror's peer list issuing a per-peer 'fetch this
// block from you' request; peers that decline are disconnected. Blocks now
// known to the mirror are transferred to their first-seen node.").
func fetchViaMirrorPeers(ctx context.Context, st Store, entries []*node.PoolEntry, b models.Block) {
	h, err := chainhash.NewHashFromStr(b.Hash)
	if err != nil {
		log.Printf("[missingblock] parse hash %s: %v", b.Hash, err)
		return
	}

	for _, e := range entries {
		if e.Mirror == nil {
			continue
		}

		if _, err := e.Mirror.GetBlockHeaderVerbose(h); err != nil {
			hdr, hdrErr := e.Primary.GetBlockHeaderVerbose(h)
			if hdrErr == nil {
				hexHeader, encErr := serializeHeader(hdr)
				if encErr != nil {
					log.Printf("[missingblock] serialize header %s: %v", b.Hash, encErr)
					continue
				}
				if err := e.Mirror.SubmitHeader(hexHeader); err != nil {
					log.Printf("[missingblock] submit header %s to mirror node=%d: %v", b.Hash, e.Node.ID, err)
					continue
				}
			}
		}

		peers, err := st.ListPeers(ctx, e.Node.ID)
		if err != nil {
			log.Printf("[missingblock] list peers node=%d: %v", e.Node.ID, err)
			continue
		}

		fetched := false
		for _, p := range peers {
			if err := e.Mirror.GetBlockFromPeer(h, p.PeerID); err != nil {
				if discErr := e.Mirror.DisconnectNode(p.Address); discErr != nil {
					log.Printf("[missingblock] disconnect %s: %v", p.Address, discErr)
				}
				continue
			}
			fetched = true
			break
		}
		if !fetched {
			continue
		}

		hexBody, err := e.Mirror.GetBlockHex(h)
		if err != nil {
			continue
		}
		if err := st.ClearHeadersOnly(ctx, b.Hash, b.Txids, b.AddedTxids, b.OmittedTxids, b.Pool, b.CoinbaseMsg, derefInt64(b.TotalFee)); err != nil {
			log.Printf("[missingblock] clear headers_only %s: %v", b.Hash, err)
			continue
		}
		for _, target := range entries {
			if target.Node.ID == b.FirstSeenBy {
				if err := target.Primary.SubmitBlock(hexBody); err != nil {
					log.Printf("[missingblock] transfer %s to node=%d: %v", b.Hash, target.Node.ID, err)
				}
				break
			}
		}
		return
	}
}

// serializeHeader rebuilds the 80-byte wire format of a block header from
// its verbose RPC representation, for submitheader when a mirror is
// missing the header entirely.
func serializeHeader(hdr *btcjson.GetBlockHeaderVerboseResult) (string, error) {
	prevHash, err := chainhash.NewHashFromStr(hdr.PreviousHash)
	if err != nil {
		return "", fmt.Errorf("parse prev hash: %w", err)
	}
	merkleRoot, err := chainhash.NewHashFromStr(hdr.MerkleRoot)
	if err != nil {
		return "", fmt.Errorf("parse merkle root: %w", err)
	}
	bits, err := strconv.ParseUint(hdr.Bits, 16, 32)
	if err != nil {
		return "", fmt.Errorf("parse bits: %w", err)
	}

	wh := wire.BlockHeader{
		Version:    hdr.Version,
		PrevBlock:  *prevHash,
		MerkleRoot: *merkleRoot,
		Timestamp:  time.Unix(hdr.Time, 0),
		Bits:       uint32(bits),
		Nonce:      hdr.Nonce,
	}

	var buf bytes.Buffer
	if err := wh.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize header: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
