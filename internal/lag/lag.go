// Package lag computes the lagging-node set spec §2's control flow calls
// for each pass ("compute lagging-node set"). The spec and
// original_source/src/scanner.rs do not spell out a numeric rule, so this
// package resolves the open question directly: a node is lagging when its
// active chaintip height trails the fleet's tallest active tip by more
// than Threshold blocks — the natural reading of "behind the majority"
// given the store already materializes one active tip per node.
package lag

import (
	"context"
	"fmt"

	"github.com/twilight-project/forkscanner/internal/store"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// Threshold is how many blocks behind the tallest active tip a node may
// be before it is considered lagging.
const Threshold = 2

// Store is the subset of *store.Store the lag computation needs.
type Store interface {
	ActiveTips(ctx context.Context) ([]models.Chaintip, error)
	RecordLag(ctx context.Context, nodeID int64) error
}

var _ Store = (*store.Store)(nil)

// Compute finds every active tip more than Threshold blocks behind the
// tallest, records a Lag row for each, and returns their node ids (the
// payload of the LaggingNodes event, spec §4.9).
func Compute(ctx context.Context, st Store) ([]int64, error) {
	tips, err := st.ActiveTips(ctx)
	if err != nil {
		return nil, fmt.Errorf("lag: active tips: %w", err)
	}
	if len(tips) == 0 {
		return nil, nil
	}

	var maxHeight int64
	for _, t := range tips {
		if t.Height > maxHeight {
			maxHeight = t.Height
		}
	}

	var lagging []int64
	for _, t := range tips {
		if maxHeight-t.Height <= Threshold {
			continue
		}
		if err := st.RecordLag(ctx, t.NodeID); err != nil {
			return nil, fmt.Errorf("lag: record %d: %w", t.NodeID, err)
		}
		lagging = append(lagging, t.NodeID)
	}
	return lagging, nil
}
