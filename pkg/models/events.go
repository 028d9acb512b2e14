package models

// EventType discriminates the messages the engine emits to the notification
// dispatcher (spec §4.9). Subscribers decode on Type and unmarshal Payload.
type EventType string

const (
	EventNewChaintip        EventType = "NewChaintip"
	EventAllChaintips       EventType = "AllChaintips"
	EventTipUpdated         EventType = "TipUpdated"
	EventTipUpdateFailed    EventType = "TipUpdateFailed"
	EventNewBlockConflicts  EventType = "NewBlockConflicts"
	EventLaggingNodes       EventType = "LaggingNodes"
	EventStaleCandidate     EventType = "StaleCandidateUpdate"
	EventWatchedAddress     EventType = "WatchedAddress"
)

// Event is the tagged envelope the dispatcher fans out to subscribers.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewChaintipPayload announces a newly observed chaintip.
type NewChaintipPayload struct {
	NodeID int64          `json:"nodeId"`
	Block  string         `json:"block"`
	Height int64          `json:"height"`
	Status ChaintipStatus `json:"status"`
}

// AllChaintipsPayload is a full snapshot of every currently stored chaintip.
type AllChaintipsPayload struct {
	Tips []Chaintip `json:"tips"`
}

// TipUpdatedPayload reports a successful command-driven or validator-driven
// tip activation, listing every hash passed to invalidateblock along the way.
type TipUpdatedPayload struct {
	NodeID            int64    `json:"nodeId"`
	Hash              string   `json:"hash"`
	InvalidatedHashes []string `json:"invalidatedHashes"`
}

// TipUpdateFailedPayload is the only user-visible error surface for
// command-driven failures (spec §7).
type TipUpdateFailedPayload struct {
	NodeID int64  `json:"nodeId"`
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

// NewBlockConflictsPayload reports stale-candidate branches detected this pass.
type NewBlockConflictsPayload struct {
	Candidates []StaleCandidate `json:"candidates"`
}

// LaggingNodesPayload lists nodes behind the majority tip this pass.
type LaggingNodesPayload struct {
	NodeIDs []int64 `json:"nodeIds"`
}

// StaleCandidateUpdatePayload reports a refreshed stale-candidate analysis.
type StaleCandidateUpdatePayload struct {
	Candidate StaleCandidate        `json:"candidate"`
	Children  []StaleCandidateChild `json:"children"`
}

// WatchedAddressPayload reports transactions matching the watch-list.
type WatchedAddressPayload struct {
	Address      string        `json:"address"`
	Transactions []Transaction `json:"transactions"`
}

// SetTipCommand is the one command spec §4.10/§6 defines: make the given
// block the active tip on the given node, via the §4.5 activation procedure.
type SetTipCommand struct {
	NodeID int64  `json:"node_id"`
	Hash   string `json:"hash"`
}
