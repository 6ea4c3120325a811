package audit

import "time"

// Action names what a tool call did to obtain its result.
type Action string

const (
	ActionExecute  Action = "execute"
	ActionCacheHit Action = "cache_hit"
	ActionReuse    Action = "reuse_latest"
	ActionStatus   Action = "status"
)

// Record is one line of the append-only query history.
type Record struct {
	Timestamp   time.Time `json:"ts"`
	RequestID   string    `json:"request_id,omitempty"`
	ActionType  Action    `json:"action_type"`
	Fingerprint string    `json:"query_fingerprint,omitempty"`
	QueryKind   string    `json:"query_type,omitempty"`
	QueryID     int64     `json:"query_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	State       string    `json:"state,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	RowCount    *int64    `json:"rowcount,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}
