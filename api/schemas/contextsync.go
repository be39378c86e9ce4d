package schemas

// -- Context Sync Schemas --

// Reserved keys injected into every saved context payload.
const (
	ContextVersionKey   = "_context_version"
	ContextTimestampKey = "_timestamp"
	ContextKeyField     = "_key"
)

// SyncEvent is one entry in the bounded sync-history ring buffer.
type SyncEvent struct {
	Key       string  `json:"key"`
	Action    string  `json:"action"`
	Version   int64   `json:"version"`
	Timestamp float64 `json:"timestamp"`
	SizeBytes int     `json:"size_bytes"`
}

// SyncStats summarizes the sync layer's activity for diagnostics.
type SyncStats struct {
	ContextVersion int64       `json:"context_version"`
	CachedContexts int         `json:"cached_contexts"`
	SyncEvents     int         `json:"sync_events"`
	RecentSyncs    []SyncEvent `json:"recent_syncs"`
}

// DesyncReport is the outcome of comparing an agent's last-synced state
// against the workflow's authoritative context for a step.
type DesyncReport struct {
	Desynced bool   `json:"desynced"`
	Reason   string `json:"reason"`
	// LastSyncedStep is -1 when no synced step is known.
	LastSyncedStep int `json:"last_synced_step"`
}

// WorkflowContextBundle groups the per-agent states combined into one
// workflow-level context record each step.
type WorkflowContextBundle struct {
	Navigation map[string]any `json:"navigation"`
	Screenshot map[string]any `json:"screenshot"`
	Validation map[string]any `json:"validation"`
	Browser    map[string]any `json:"browser"`
}
