// Package rollback implements the mirror-node "activate tip" procedure
// (spec §4.5/§9) and the rollback validator that drives it. A mirror is
// treated as a reversible sandbox: P2P is always disabled on entry and
// re-enabled on every exit path, including panics, the engine's most
// important safety invariant (spec §5).
package rollback

import (
	"context"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// MaxBlockDepth bounds how close to the active tip a mirror's valid-headers
// candidate must be to be considered (spec §4.5).
const MaxBlockDepth = 10

// MaxActivateRetries bounds the cascade-invalidate loop inside Activate
// (spec §4.5 step 2: "≤ 100 retries, else fail").
const MaxActivateRetries = 100

// Store is the subset of *store.Store the rollback validator needs.
type Store interface {
	GetBlock(ctx context.Context, hash string) (*models.Block, error)
	Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error)
	MarkValid(ctx context.Context, hash string, nodeID int64) error
	MarkInvalid(ctx context.Context, hash string, nodeID int64) error
}

// Activate drives a mirror's active tip to targetHash (the "activate tip"
// procedure shared by §4.5 and §4.6): it disables P2P, repeatedly finds the
// fork point between the target and the mirror's current active chain and
// invalidates the branch point, until the active tip equals the target or
// MaxActivateRetries is exhausted, then re-enables P2P on every exit path.
// It returns the list of hashes it invalidated, in invalidation order, so
// the caller can reconsider them afterward.
func Activate(ctx context.Context, st Store, client node.NodeClient, targetHash string) (invalidated []string, err error) {
	if err := client.SetNetworkActive(false); err != nil {
		return nil, fmt.Errorf("rollback: disable p2p: %w", err)
	}
	defer func() {
		if reErr := client.SetNetworkActive(true); reErr != nil {
			log.Printf("[rollback] re-enable p2p failed: %v", reErr)
		}
	}()

	for i := 0; i < MaxActivateRetries; i++ {
		info, err := client.GetBlockChainInfo()
		if err != nil {
			return invalidated, fmt.Errorf("rollback: get blockchain info: %w", err)
		}
		if info.BestBlockHash == targetHash {
			return invalidated, nil
		}

		forkPoint, activeChild, err := findForkPoint(ctx, st, targetHash, info.BestBlockHash)
		if err != nil {
			return invalidated, fmt.Errorf("rollback: find fork point: %w", err)
		}
		if activeChild == "" {
			return invalidated, fmt.Errorf("rollback: no divergent child found between %s and %s", targetHash, info.BestBlockHash)
		}
		_ = forkPoint

		h, err := chainhash.NewHashFromStr(activeChild)
		if err != nil {
			return invalidated, fmt.Errorf("rollback: parse hash %s: %w", activeChild, err)
		}
		if err := client.InvalidateBlock(h); err != nil {
			return invalidated, fmt.Errorf("rollback: invalidate %s: %w", activeChild, err)
		}
		invalidated = append(invalidated, activeChild)
	}

	return invalidated, fmt.Errorf("rollback: exceeded %d retries activating %s", MaxActivateRetries, targetHash)
}

// findForkPoint walks both targetHash's and activeHash's ancestry to find
// where they diverge, and returns the child of the fork point on the
// active side — the block Activate must invalidate to push the active
// chain back toward the fork (spec §4.5 step 2: "find the fork point
// between T and the current active, invalidate each child of T plus the
// active-side branch point").
func findForkPoint(ctx context.Context, st Store, targetHash, activeHash string) (forkPoint string, activeSideChild string, err error) {
	targetAncestry, err := st.Ancestors(ctx, targetHash, MaxActivateRetries+10)
	if err != nil {
		return "", "", err
	}
	onTarget := make(map[string]bool, len(targetAncestry))
	for _, b := range targetAncestry {
		onTarget[b.Hash] = true
	}

	activeAncestry, err := st.Ancestors(ctx, activeHash, MaxActivateRetries+10)
	if err != nil {
		return "", "", err
	}

	prev := ""
	for _, b := range activeAncestry {
		if onTarget[b.Hash] {
			return b.Hash, prev, nil
		}
		prev = b.Hash
	}
	return "", "", nil
}

// Undo reconsiders every hash in invalidated, in reverse order, restoring
// the chain state Activate perturbed (spec §4.5 step 3: "reconsider every
// block invalidated to undo the rollback").
func Undo(client node.NodeClient, invalidated []string) error {
	for i := len(invalidated) - 1; i >= 0; i-- {
		h, err := chainhash.NewHashFromStr(invalidated[i])
		if err != nil {
			return fmt.Errorf("rollback: parse hash %s: %w", invalidated[i], err)
		}
		if err := client.ReconsiderBlock(h); err != nil {
			return fmt.Errorf("rollback: reconsider %s: %w", invalidated[i], err)
		}
	}
	return nil
}

// Validate runs the rollback validator for one (primary, mirror) node pair
// (spec §4.5) over candidateHashes, which the caller selects. For each
// target it pushes the primary's copy of the block body to the mirror when
// the mirror lacks it, activates the target on the mirror, and on success
// marks it valid by this node and undoes the rollback. On a failed
// activation it reconsiders every tip the mirror reports as invalid and
// records no mark. Per-target errors are logged; Validate returns nil.
func Validate(ctx context.Context, st Store, primary, mirror node.NodeClient, nodeID int64, candidateHashes []string) error {
	for _, target := range candidateHashes {
		if err := validateOne(ctx, st, primary, mirror, nodeID, target); err != nil {
			log.Printf("[rollback] node=%d validate %s: %v", nodeID, target, err)
		}
	}
	return nil
}

func validateOne(ctx context.Context, st Store, primary, mirror node.NodeClient, nodeID int64, targetHash string) error {
	h, err := chainhash.NewHashFromStr(targetHash)
	if err != nil {
		return fmt.Errorf("parse hash %s: %w", targetHash, err)
	}

	if _, err := mirror.GetBlockHex(h); err != nil {
		hexBody, err := primary.GetBlockHex(h)
		if err != nil {
			return fmt.Errorf("fetch body from primary %s: %w", targetHash, err)
		}
		if err := mirror.SubmitBlock(hexBody); err != nil {
			return fmt.Errorf("push body to mirror %s: %w", targetHash, err)
		}
	}

	invalidated, err := Activate(ctx, st, mirror, targetHash)

	info, infoErr := mirror.GetBlockChainInfo()
	if infoErr != nil {
		return fmt.Errorf("get blockchain info after activate %s: %w", targetHash, infoErr)
	}

	if err == nil && info.BestBlockHash == targetHash {
		if markErr := st.MarkValid(ctx, targetHash, nodeID); markErr != nil {
			return fmt.Errorf("mark valid %s: %w", targetHash, markErr)
		}
		if undoErr := Undo(mirror, invalidated); undoErr != nil {
			return fmt.Errorf("undo rollback for %s: %w", targetHash, undoErr)
		}
		return nil
	}

	tips, tipsErr := mirror.GetChainTips()
	if tipsErr != nil {
		return fmt.Errorf("get chain tips after failed activate %s: %w", targetHash, tipsErr)
	}
	for _, tip := range tips {
		if tip.Status != "invalid" {
			continue
		}
		th, parseErr := chainhash.NewHashFromStr(tip.Hash)
		if parseErr != nil {
			continue
		}
		if reconErr := mirror.ReconsiderBlock(th); reconErr != nil {
			log.Printf("[rollback] reconsider invalid tip %s: %v", tip.Hash, reconErr)
		}
	}
	return fmt.Errorf("activate %s did not converge: %w", targetHash, err)
}
