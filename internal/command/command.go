// Package command implements the Command Listener (spec §4.10): a queue
// of externally originated commands drained at the start of every pass.
// The only command today is SetTip, which drives the §4.5 "activate tip"
// procedure and reports its outcome to the dispatcher. No direct teacher
// analogue exists (the teacher has no external control-plane surface);
// the bounded-channel queue shape follows internal/dispatch's own
// subscriber channels for consistency within this codebase.
package command

import (
	"context"
	"fmt"
	"log"

	"github.com/twilight-project/forkscanner/internal/dispatch"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/rollback"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// QueueDepth bounds how many pending commands may sit unprocessed between
// passes; once it is reached, further Submits are dropped and return false
// (spec §4.10 implies a queue, not an unbounded backlog).
const QueueDepth = 32

// Store is the subset of *store.Store the command listener needs.
type Store = rollback.Store

// Queue accepts externally submitted commands and drains them for the
// control loop.
type Queue struct {
	ch chan models.SetTipCommand
}

// NewQueue constructs an empty command queue.
func NewQueue() *Queue {
	return &Queue{ch: make(chan models.SetTipCommand, QueueDepth)}
}

// Submit enqueues a SetTip command, dropping it if the queue is full
// rather than blocking the submitting API handler.
func (q *Queue) Submit(cmd models.SetTipCommand) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		log.Printf("[command] queue full, dropping SetTip node=%d hash=%s", cmd.NodeID, cmd.Hash)
		return false
	}
}

// Drain pulls every currently queued command without blocking, the first
// step of every pass (spec §4.10, §5: "drains the command queue at the
// start of every pass").
func (q *Queue) Drain() []models.SetTipCommand {
	var out []models.SetTipCommand
	for {
		select {
		case cmd := <-q.ch:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

// Clients resolves a node id to the NodeClient the SetTip command should
// activate against; the engine supplies this since only it knows the
// current pool membership.
type Clients func(nodeID int64) (node.NodeClient, bool)

// Process runs every drained command's activation procedure and emits
// TipUpdated or TipUpdateFailed for each (spec §4.10).
func Process(ctx context.Context, st Store, clients Clients, hub *dispatch.Hub, cmds []models.SetTipCommand) {
	for _, cmd := range cmds {
		client, ok := clients(cmd.NodeID)
		if !ok {
			hub.TipUpdateFailed(models.TipUpdateFailedPayload{
				NodeID: cmd.NodeID, Hash: cmd.Hash, Reason: "unknown node",
			})
			continue
		}

		invalidated, err := rollback.Activate(ctx, st, client, cmd.Hash)
		if err != nil {
			if undoErr := rollback.Undo(client, invalidated); undoErr != nil {
				log.Printf("[command] undo after failed activate node=%d hash=%s: %v", cmd.NodeID, cmd.Hash, undoErr)
			}
			hub.TipUpdateFailed(models.TipUpdateFailedPayload{
				NodeID: cmd.NodeID, Hash: cmd.Hash, Reason: errReason(err),
			})
			continue
		}

		hub.TipUpdated(models.TipUpdatedPayload{
			NodeID: cmd.NodeID, Hash: cmd.Hash, InvalidatedHashes: invalidated,
		})
	}
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
