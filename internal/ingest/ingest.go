// Package ingest walks a node's block ancestry and upserts it into the
// store, the "Block Ingestor" of spec §4.2. Grounded on
// original_source/src/scanner.rs's create_block_and_ancestors (depth-capped
// ancestor loop, break on connected or missing parent) combined with
// src/models.rs's Block::get_or_create.
package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/twilight-project/forkscanner/internal/chainparams"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/poolfeed"
	"github.com/twilight-project/forkscanner/internal/rpcerr"
	"github.com/twilight-project/forkscanner/internal/store"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// MaxAncestryDepth bounds how far a single Ingest call walks up the parent
// chain in one pass (spec §4.2).
const MaxAncestryDepth = 100

// Store is the subset of *store.Store the ingestor needs, so tests can
// substitute a narrower fake if desired; production callers pass a
// *store.Store directly.
type Store interface {
	GetBlock(ctx context.Context, hash string) (*models.Block, error)
	UpsertBlock(ctx context.Context, b models.Block) error
	ClearHeadersOnly(ctx context.Context, hash string, txids, addedTxids, omittedTxids []string, pool, coinbaseMsg string, totalFee int64) error
	BlockTemplateTxids(ctx context.Context, nodeID int64, parentHash string) ([]string, error)
}

var _ Store = (*store.Store)(nil)

// Ingest walks the ancestry of tipHash on the given node's client, upserting
// every block it visits, up to MaxAncestryDepth or until it reaches an
// already-connected block or the genesis boundary (spec §4.2).
func Ingest(ctx context.Context, st Store, feed *poolfeed.Feed, client node.NodeClient, nodeID int64, tipHash string, headersOnly bool) error {
	hash := tipHash

	for i := 0; i < MaxAncestryDepth; i++ {
		h, err := chainhash.NewHashFromStr(hash)
		if err != nil {
			return fmt.Errorf("ingest: parse hash %s: %w", hash, err)
		}

		header, err := client.GetBlockHeaderVerbose(h)
		if err != nil {
			return fmt.Errorf("ingest: get header %s: %w", hash, err)
		}

		var parent *string
		if header.PreviousHash != "" {
			p := header.PreviousHash
			parent = &p
		}

		block := models.Block{
			Hash:        hash,
			Height:      int64(header.Height),
			ParentHash:  parent,
			FirstSeenBy: nodeID,
			HeadersOnly: headersOnly,
			Chainwork:   header.Chainwork,
		}

		bodyFetched := false
		if !headersOnly {
			if err := fetchBody(ctx, st, feed, client, nodeID, h, &block); err != nil {
				if rpcerr.IsPruned(err) {
					block.HeadersOnly = true
				} else {
					return fmt.Errorf("ingest: fetch body %s: %w", hash, err)
				}
			} else {
				bodyFetched = true
			}
		}

		if err := st.UpsertBlock(ctx, block); err != nil {
			return fmt.Errorf("ingest: upsert block %s: %w", hash, err)
		}

		if bodyFetched {
			if err := st.ClearHeadersOnly(ctx, block.Hash, block.Txids, block.AddedTxids,
				block.OmittedTxids, block.Pool, block.CoinbaseMsg, derefInt64(block.TotalFee)); err != nil {
				return fmt.Errorf("ingest: clear headers_only %s: %w", hash, err)
			}
		}

		stored, err := st.GetBlock(ctx, hash)
		if err != nil {
			return fmt.Errorf("ingest: reload block %s: %w", hash, err)
		}
		if stored != nil && stored.Connected {
			return nil
		}
		if parent == nil {
			return nil
		}
		hash = *parent
	}

	log.Printf("[ingest] node=%d hit max ancestry depth at %s", nodeID, hash)
	return nil
}

// fetchBody retrieves the full block body, extracts the txid list, the
// coinbase message/pool attribution, and the total fee (spec §4.2: "If the
// full block body can be fetched... it also extracts coinbase txin bytes,
// attempts to attribute a mining pool... computes total_fee... stores the
// txid digest list"). A pruned-data RPC error is returned unwrapped so the
// caller can distinguish it via rpcerr.IsPruned.
func fetchBody(ctx context.Context, st Store, feed *poolfeed.Feed, client node.NodeClient, nodeID int64, h *chainhash.Hash, block *models.Block) error {
	full, err := client.GetBlockVerboseTx(h)
	if err != nil {
		return rpcerr.Classify(err)
	}

	txids := make([]string, 0, len(full.Tx))
	var coinbaseMsg string
	var coinbaseOutputSats int64

	for i, tx := range full.Tx {
		txids = append(txids, tx.Txid)
		if i != 0 {
			continue
		}
		for _, vin := range tx.Vin {
			if vin.Coinbase != "" {
				raw, err := hex.DecodeString(vin.Coinbase)
				if err == nil {
					coinbaseMsg = asciiPrintable(raw)
				}
			}
		}
		for _, vout := range tx.Vout {
			coinbaseOutputSats += btcToSats(vout.Value)
		}
	}

	block.Txids = txids
	block.CoinbaseMsg = coinbaseMsg
	if feed != nil {
		if pool := feed.Attribute(coinbaseMsg); pool != "" {
			block.Pool = pool
		}
	}

	subsidy := chainparams.MaxBlockSubsidy(block.Height)
	fee := coinbaseOutputSats - subsidy
	block.TotalFee = &fee

	if templateTxids, err := st.BlockTemplateTxids(ctx, nodeID, derefString(block.ParentHash)); err == nil && len(templateTxids) > 0 {
		block.AddedTxids, block.OmittedTxids = diffTxids(templateTxids, txids)
	}

	return nil
}

// diffTxids returns (added, omitted) relative to the peer's block template:
// added are block txids the template didn't have, omitted are template
// txids the block didn't include (spec §3 Block: "optional added/omitted
// txid vectors relative to the peer's block template").
func diffTxids(templateTxids, blockTxids []string) (added, omitted []string) {
	inTemplate := make(map[string]bool, len(templateTxids))
	for _, t := range templateTxids {
		inTemplate[t] = true
	}
	inBlock := make(map[string]bool, len(blockTxids))
	for _, t := range blockTxids {
		inBlock[t] = true
		if !inTemplate[t] {
			added = append(added, t)
		}
	}
	for _, t := range templateTxids {
		if !inBlock[t] {
			omitted = append(omitted, t)
		}
	}
	return added, omitted
}

func asciiPrintable(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b >= 0x20 && b < 0x7f {
			out = append(out, b)
		}
	}
	return string(out)
}

// btcToSats converts an RPC-reported BTC float to satoshis the same way
// bitcoind's own amount parsing rounds, via btcutil.NewAmount.
func btcToSats(btc float64) int64 {
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0
	}
	return int64(amt)
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
