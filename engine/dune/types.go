package dune

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ExecutionState is the upstream execution state as reported by the API.
type ExecutionState string

const (
	StatePending          ExecutionState = "QUERY_STATE_PENDING"
	StateExecuting        ExecutionState = "QUERY_STATE_EXECUTING"
	StateCompleted        ExecutionState = "QUERY_STATE_COMPLETED"
	StateCompletedPartial ExecutionState = "QUERY_STATE_COMPLETED_PARTIAL"
	StateFailed           ExecutionState = "QUERY_STATE_FAILED"
	StateCancelled        ExecutionState = "QUERY_STATE_CANCELLED"
	StateExpired          ExecutionState = "QUERY_STATE_EXPIRED"
)

// IsTerminal reports whether no further transitions can happen upstream.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCompletedPartial, StateFailed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the execution produced a result set.
func (s ExecutionState) IsSuccess() bool {
	return s == StateCompleted || s == StateCompletedPartial
}

// Performance selects the upstream engine tier.
type Performance string

const (
	PerformanceMedium Performance = "medium"
	PerformanceLarge  Performance = "large"
)

type ExecuteRequest struct {
	QueryParameters map[string]any `json:"query_parameters,omitempty"`
	Performance     Performance    `json:"performance,omitempty"`
}

type ExecuteSQLRequest struct {
	SQL             string         `json:"sql"`
	QueryParameters map[string]any `json:"query_parameters,omitempty"`
	Performance     Performance    `json:"performance,omitempty"`
}

type ExecuteResponse struct {
	ExecutionID string         `json:"execution_id"`
	State       ExecutionState `json:"state"`
}

type ResultMetadata struct {
	ColumnNames         []string `json:"column_names"`
	ColumnTypes         []string `json:"column_types"`
	RowCount            int64    `json:"row_count"`
	TotalRowCount       int64    `json:"total_row_count"`
	ResultSetBytes      int64    `json:"result_set_bytes"`
	TotalResultSetBytes int64    `json:"total_result_set_bytes"`
	DatapointCount      int64    `json:"datapoint_count"`
	PendingTimeMillis   int64    `json:"pending_time_millis"`
	ExecutionTimeMillis int64    `json:"execution_time_millis"`
}

// ErrorDetail holds the upstream "error" value, which is either a string or an object.
type ErrorDetail json.RawMessage

func (e ErrorDetail) MarshalJSON() ([]byte, error) {
	if len(e) == 0 {
		return []byte("null"), nil
	}
	return e, nil
}

func (e *ErrorDetail) UnmarshalJSON(data []byte) error {
	*e = append((*e)[:0], data...)
	return nil
}

// Message extracts a human readable message.
func (e ErrorDetail) Message() string {
	if len(e) == 0 {
		return ""
	}
	r := gjson.ParseBytes(e)
	switch {
	case r.Type == gjson.Null:
		return ""
	case r.Type == gjson.String:
		return r.String()
	case r.IsObject():
		if msg := r.Get("message"); msg.Exists() {
			if typ := r.Get("type").String(); typ != "" && !strings.Contains(msg.String(), typ) {
				return typ + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return strings.TrimSpace(r.Raw)
}

type StatusResponse struct {
	ExecutionID         string          `json:"execution_id"`
	QueryID             int64           `json:"query_id"`
	State               ExecutionState  `json:"state"`
	IsExecutionFinished bool            `json:"is_execution_finished"`
	SubmittedAt         *time.Time      `json:"submitted_at,omitempty"`
	ExecutionStartedAt  *time.Time      `json:"execution_started_at,omitempty"`
	ExecutionEndedAt    *time.Time      `json:"execution_ended_at,omitempty"`
	QueuePosition       *int64          `json:"queue_position,omitempty"`
	ResultMetadata      *ResultMetadata `json:"result_metadata,omitempty"`
	Error               ErrorDetail     `json:"error,omitempty"`
}

type ResultBody struct {
	Rows     []map[string]any `json:"rows"`
	Metadata ResultMetadata   `json:"metadata"`
}

type ResultsResponse struct {
	ExecutionID         string         `json:"execution_id"`
	QueryID             int64          `json:"query_id"`
	State               ExecutionState `json:"state"`
	IsExecutionFinished bool           `json:"is_execution_finished"`
	SubmittedAt         *time.Time     `json:"submitted_at,omitempty"`
	ExecutionStartedAt  *time.Time     `json:"execution_started_at,omitempty"`
	ExecutionEndedAt    *time.Time     `json:"execution_ended_at,omitempty"`
	Result              *ResultBody    `json:"result,omitempty"`
	NextURI             string         `json:"next_uri,omitempty"`
	NextOffset          *int64         `json:"next_offset,omitempty"`
	Error               ErrorDetail    `json:"error,omitempty"`
}

// ResultOptions are forwarded to the results endpoints as query string parameters.
type ResultOptions struct {
	Limit       int
	Offset      int
	SampleCount int
	SortBy      string
	Columns     []string
	Filters     string

	// QueryParameters select the parameterized variant for latest-result lookups.
	QueryParameters map[string]any
}

type QueryParameter struct {
	Key         string   `json:"key"`
	Type        string   `json:"type"`
	Value       any      `json:"value"`
	EnumOptions []string `json:"enumOptions,omitempty"`
}

type QueryInfo struct {
	QueryID     int64            `json:"query_id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Tags        []string         `json:"tags"`
	Version     int64            `json:"version"`
	QueryEngine string           `json:"query_engine"`
	QuerySQL    string           `json:"query_sql"`
	IsPrivate   bool             `json:"is_private"`
	IsArchived  bool             `json:"is_archived"`
	Owner       string           `json:"owner"`
	Parameters  []QueryParameter `json:"parameters"`
}

// QueryURL is the public dune.com page of a saved query.
func QueryURL(queryID int64) string {
	return "https://dune.com/queries/" + strconv.FormatInt(queryID, 10)
}
