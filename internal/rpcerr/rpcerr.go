// Package rpcerr classifies Bitcoin Core JSON-RPC error codes into the
// domain-specific signals spec §7/§9(d) requires: pruned-body responses and
// missing-header responses are not generic transient failures. The block
// ingestor uses IsPruned to degrade a pruned body to a header-only
// ingestion; no caller branches on ErrBlockNotFound or IsNotFound.
package rpcerr

import (
	"errors"

	"github.com/btcsuite/btcd/btcjson"
)

// Bitcoin Core RPC error codes we care about (see rpc/protocol.h upstream).
const (
	CodeBlockNotFound  = -5
	CodeBlockNotOnDisk = -1
)

// ErrBlockNotFound means the node has no knowledge of the requested block
// header at all (RPC code -5).
var ErrBlockNotFound = errors.New("rpcerr: block not found")

// ErrPruned means the node knows the header but has pruned the body (RPC
// code -1, "Block not available (pruned data)"). Callers must treat this as
// a successful header-only ingestion, not an error.
var ErrPruned = errors.New("rpcerr: block not on disk (pruned)")

// Classify maps a raw RPC error into one of the domain sentinels above when
// it recognizes the underlying code, or returns err unchanged (a transient
// RPC error, per spec §7) when it doesn't.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case CodeBlockNotFound:
			return ErrBlockNotFound
		case CodeBlockNotOnDisk:
			return ErrPruned
		}
	}
	return err
}

// IsPruned reports whether err (after classification) signals a pruned body.
func IsPruned(err error) bool {
	return errors.Is(Classify(err), ErrPruned)
}

// IsNotFound reports whether err (after classification) signals a missing
// header.
func IsNotFound(err error) bool {
	return errors.Is(Classify(err), ErrBlockNotFound)
}
