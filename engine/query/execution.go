package query

import (
	"time"

	"github.com/spicemcp/spice/engine/dune"
)

// State is the normalized lifecycle state of an execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// IsTerminal reports whether the state can no longer change for this caller.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

func stateFromUpstream(s dune.ExecutionState) State {
	switch s {
	case dune.StateCompleted, dune.StateCompletedPartial:
		return StateCompleted
	case dune.StateFailed, dune.StateCancelled, dune.StateExpired:
		return StateFailed
	case dune.StateExecuting:
		return StateRunning
	default:
		return StatePending
	}
}

// Execution is one run of a query as observed by this process.
type Execution struct {
	ExecutionID   string              `json:"execution_id,omitempty"`
	QueryID       int64               `json:"query_id,omitempty"`
	Fingerprint   Fingerprint         `json:"fingerprint"`
	State         State               `json:"state"`
	UpstreamState dune.ExecutionState `json:"upstream_state,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	EndedAt       *time.Time          `json:"ended_at,omitempty"`
	RowCount      int64               `json:"row_count"`
	TotalRowCount int64               `json:"total_row_count"`
	ColumnNames   []string            `json:"column_names,omitempty"`
	ColumnTypes   []string            `json:"column_types,omitempty"`
	Error         string              `json:"error,omitempty"`
	Cached        bool                `json:"cached,omitempty"`
	Reused        bool                `json:"reused,omitempty"`
}

// Clone returns a deep copy so terminal snapshots are never shared.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	c.ColumnNames = append([]string(nil), e.ColumnNames...)
	c.ColumnTypes = append([]string(nil), e.ColumnTypes...)
	return &c
}

// Failure returns the remote failure for failed executions, nil otherwise.
func (e *Execution) Failure() *RemoteFailure {
	if e == nil || e.State != StateFailed {
		return nil
	}
	return &RemoteFailure{ExecutionID: e.ExecutionID, State: e.UpstreamState, Message: e.Error}
}

// Age reports how long ago the execution finished, falling back to its start.
func (e *Execution) Age(now time.Time) (time.Duration, bool) {
	switch {
	case e.EndedAt != nil:
		return now.Sub(*e.EndedAt), true
	case e.StartedAt != nil:
		return now.Sub(*e.StartedAt), true
	default:
		return 0, false
	}
}

func (e *Execution) applyMetadata(md *dune.ResultMetadata) {
	if md == nil {
		return
	}
	e.ColumnNames = md.ColumnNames
	e.ColumnTypes = md.ColumnTypes
	e.RowCount = md.RowCount
	e.TotalRowCount = md.TotalRowCount
	if e.TotalRowCount == 0 {
		e.TotalRowCount = md.RowCount
	}
}

func (e *Execution) applyStatus(st *dune.StatusResponse) {
	if st.ExecutionID != "" {
		e.ExecutionID = st.ExecutionID
	}
	if st.QueryID != 0 {
		e.QueryID = st.QueryID
	}
	e.UpstreamState = st.State
	e.State = stateFromUpstream(st.State)
	if st.ExecutionStartedAt != nil {
		e.StartedAt = st.ExecutionStartedAt
	}
	if st.ExecutionEndedAt != nil {
		e.EndedAt = st.ExecutionEndedAt
	}
	switch e.State {
	case StateCompleted:
		e.applyMetadata(st.ResultMetadata)
	case StateFailed:
		e.Error = st.Error.Message()
		if e.Error == "" {
			e.Error = string(st.State)
		}
	}
}
