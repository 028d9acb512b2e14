// Package poolfeed fetches the external coinbase-tag -> mining-pool
// attribution map the block ingestor consults (spec §4.2/§6). Failure is
// non-fatal: the prior snapshot is retained.
package poolfeed

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// Feed holds the last successfully fetched pool-attribution map and
// refreshes it from url on demand, keeping the prior map on any failure.
type Feed struct {
	url    string
	client *http.Client

	mu    sync.RWMutex
	pools map[string]models.Pool // keyed by coinbase tag
}

// New builds a Feed pointed at url. A zero-value url disables fetching;
// Refresh then always succeeds as a no-op, useful for local/test runs.
func New(url string) *Feed {
	return &Feed{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		pools:  make(map[string]models.Pool),
	}
}

type rawEntry struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// Refresh fetches the current coinbase_tag -> {name, link} map. On any
// error it logs and leaves the prior snapshot untouched (spec §6: "Failure
// is non-fatal (logged, prior data retained)").
func (f *Feed) Refresh(ctx context.Context) {
	if f.url == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		log.Printf("[poolfeed] build request: %v", err)
		return
	}

	resp, err := f.client.Do(req)
	if err != nil {
		log.Printf("[poolfeed] fetch %s: %v", f.url, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[poolfeed] fetch %s: status %d", f.url, resp.StatusCode)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[poolfeed] read body: %v", err)
		return
	}

	var raw map[string]rawEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		log.Printf("[poolfeed] decode: %v", err)
		return
	}

	next := make(map[string]models.Pool, len(raw))
	for tag, e := range raw {
		next[tag] = models.Pool{Tag: tag, Name: e.Name, Link: e.Link}
	}

	f.mu.Lock()
	f.pools = next
	f.mu.Unlock()
}

// Attribute scans coinbaseAscii, the printable text of the coinbase input,
// for a known tag substring and returns the
// attributed pool name, or "" when no tag matches (spec §4.2: "attempts to
// attribute a mining pool by scanning known coinbase tags").
func (f *Feed) Attribute(coinbaseAscii string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for tag, p := range f.pools {
		if tag != "" && strings.Contains(coinbaseAscii, tag) {
			return p.Name
		}
	}
	return ""
}

// Size reports how many tags are currently loaded, for health/diagnostics.
func (f *Feed) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.pools)
}
