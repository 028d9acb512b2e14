package node

import (
	"fmt"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// PoolEntry pairs a configured Node with its live clients. Mirror is nil
// when the node has no companion mirror RPC endpoint configured.
type PoolEntry struct {
	Node    models.Node
	Primary NodeClient
	Mirror  NodeClient
}

// Pool holds one PoolEntry per configured node and is the sole place in the
// engine that knows about concrete NodeClient implementations; everything
// downstream of construction is driven through the NodeClient interface
// (spec §9, "inject at construction; do not depend on the concrete client
// anywhere past the pool boundary").
type Pool struct {
	entries []*PoolEntry
}

// NewPool dials a RealClient for each configured node's primary RPC
// endpoint, and for its mirror endpoint when one is configured, mirroring
// the teacher's cmd/engine/main.go connect-once-at-startup wiring.
func NewPool(nodes []models.Node) (*Pool, error) {
	p := &Pool{}
	for _, n := range nodes {
		primary, err := NewRealClient(Config{
			Host: fmt.Sprintf("%s:%d", n.RPCHost, n.RPCPort),
			User: n.RPCUser,
			Pass: n.RPCPass,
		})
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("node: dial primary for %q: %w", n.Name, err)
		}

		entry := &PoolEntry{Node: n, Primary: primary}

		if n.HasMirror() {
			mirror, err := NewRealClient(Config{
				Host: fmt.Sprintf("%s:%d", n.RPCHost, n.MirrorPort),
				User: n.RPCUser,
				Pass: n.RPCPass,
			})
			if err != nil {
				p.Shutdown()
				return nil, fmt.Errorf("node: dial mirror for %q: %w", n.Name, err)
			}
			entry.Mirror = mirror
		}

		p.entries = append(p.entries, entry)
	}
	return p, nil
}

// NewStaticPool wraps pre-built entries directly, for tests wiring
// FakeClients in place of RealClients.
func NewStaticPool(entries []*PoolEntry) *Pool {
	return &Pool{entries: entries}
}

// Entries returns every configured node's pool entry.
func (p *Pool) Entries() []*PoolEntry {
	return p.entries
}

// ArchiveNode selects the node used to look up the addresses of
// transaction inputs (spec §4.1): the first node with the
// archive flag set, else the pool's first entry, else nil when the pool is
// empty.
func (p *Pool) ArchiveNode() *PoolEntry {
	for _, e := range p.entries {
		if e.Node.Archive {
			return e
		}
	}
	if len(p.entries) > 0 {
		return p.entries[0]
	}
	return nil
}

// MirrorEntries returns every pool entry that has a mirror configured. The
// engine's inflation pass builds its mirror list from the entries it is
// given and does not call it.
func (p *Pool) MirrorEntries() []*PoolEntry {
	var out []*PoolEntry
	for _, e := range p.entries {
		if e.Mirror != nil {
			out = append(out, e)
		}
	}
	return out
}

// Shutdown tears down every dialed RealClient. Entries built from
// FakeClients (which have no Shutdown method) are skipped.
func (p *Pool) Shutdown() {
	for _, e := range p.entries {
		if rc, ok := e.Primary.(*RealClient); ok {
			rc.Shutdown()
		}
		if rc, ok := e.Mirror.(*RealClient); ok {
			rc.Shutdown()
		}
	}
}
