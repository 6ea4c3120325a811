// Package dunetest provides an in-memory Dune API double for tests.
package dunetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spicemcp/spice/engine/dune"
)

// Calls counts requests per endpoint.
type Calls struct {
	ExecuteQuery int
	ExecuteSQL   int
	Status       int
	Results      int
	Latest       int
	GetQuery     int
}

type execution struct {
	id      string
	queryID int64
	polls   int
	started time.Time
}

// Fake implements dune.API. Every started execution walks Script on successive
// status calls and then stays in the last state.
type Fake struct {
	mu sync.Mutex

	Script       []dune.ExecutionState
	Rows         []map[string]any
	Columns      []string
	ColumnTypes  []string
	ErrorMessage string
	Queries      map[int64]*dune.QueryInfo
	Latest       map[int64]*dune.ResultsResponse

	ExecuteErr error
	StatusErr  error
	ResultsErr error

	// StatusDelay holds each status call until it elapses or ctx is done.
	StatusDelay time.Duration

	LastQueryID       int64
	LastParameters    map[string]any
	LastSQL           string
	LastPerformance   dune.Performance
	LastResultOptions *dune.ResultOptions

	Now func() time.Time

	calls      Calls
	executions map[string]*execution
}

var _ dune.API = (*Fake)(nil)

// New returns a fake whose executions complete on the first status call.
func New() *Fake {
	return &Fake{
		Script:     []dune.ExecutionState{dune.StateCompleted},
		Queries:    make(map[int64]*dune.QueryInfo),
		Latest:     make(map[int64]*dune.ResultsResponse),
		executions: make(map[string]*execution),
		Now:        time.Now,
	}
}

// Calls returns a snapshot of the request counters.
func (f *Fake) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) start(queryID int64) *dune.ExecuteResponse {
	id := "01" + uuid.NewString()
	f.executions[id] = &execution{id: id, queryID: queryID, started: f.Now()}
	return &dune.ExecuteResponse{ExecutionID: id, State: dune.StatePending}
}

func (f *Fake) ExecuteQuery(_ context.Context, queryID int64, req *dune.ExecuteRequest) (*dune.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.ExecuteQuery++
	if f.ExecuteErr != nil {
		return nil, f.ExecuteErr
	}
	f.LastQueryID = queryID
	if req != nil {
		f.LastParameters = req.QueryParameters
		f.LastPerformance = req.Performance
	}
	return f.start(queryID), nil
}

func (f *Fake) ExecuteSQL(_ context.Context, req *dune.ExecuteSQLRequest) (*dune.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.ExecuteSQL++
	if f.ExecuteErr != nil {
		return nil, f.ExecuteErr
	}
	f.LastSQL = req.SQL
	f.LastParameters = req.QueryParameters
	f.LastPerformance = req.Performance
	return f.start(0), nil
}

func (f *Fake) stateOf(ex *execution) dune.ExecutionState {
	if len(f.Script) == 0 {
		return dune.StateCompleted
	}
	idx := ex.polls
	if idx >= len(f.Script) {
		idx = len(f.Script) - 1
	}
	return f.Script[idx]
}

func (f *Fake) metadata() *dune.ResultMetadata {
	return &dune.ResultMetadata{
		ColumnNames:   f.Columns,
		ColumnTypes:   f.ColumnTypes,
		RowCount:      int64(len(f.Rows)),
		TotalRowCount: int64(len(f.Rows)),
	}
}

func (f *Fake) ExecutionStatus(ctx context.Context, executionID string) (*dune.StatusResponse, error) {
	f.mu.Lock()
	f.calls.Status++
	delay := f.StatusDelay
	f.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, &dune.TransportError{Method: "GET", Path: "/execution/" + executionID + "/status", Err: ctx.Err()}
		case <-timer.C:
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	ex, ok := f.executions[executionID]
	if !ok {
		return nil, &dune.APIError{StatusCode: 404, Method: "GET", Path: "/execution/" + executionID + "/status", Message: "execution not found"}
	}
	state := f.stateOf(ex)
	ex.polls++
	resp := &dune.StatusResponse{
		ExecutionID:         ex.id,
		QueryID:             ex.queryID,
		State:               state,
		IsExecutionFinished: state.IsTerminal(),
		ExecutionStartedAt:  &ex.started,
	}
	if state.IsTerminal() {
		ended := f.Now()
		resp.ExecutionEndedAt = &ended
	}
	if state.IsSuccess() {
		resp.ResultMetadata = f.metadata()
	}
	if state == dune.StateFailed && f.ErrorMessage != "" {
		resp.Error = dune.ErrorDetail(fmt.Sprintf(`{"type":"FAILED_TYPE_EXECUTION_FAILED","message":%q}`, f.ErrorMessage))
	}
	return resp, nil
}

func (f *Fake) page(opts *dune.ResultOptions) *dune.ResultBody {
	rows := f.Rows
	offset, limit := 0, len(rows)
	if opts != nil {
		offset = opts.Offset
		if opts.Limit > 0 {
			limit = opts.Limit
		}
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	md := f.metadata()
	md.RowCount = int64(end - offset)
	return &dune.ResultBody{Rows: rows[offset:end], Metadata: *md}
}

func (f *Fake) ExecutionResults(
	_ context.Context,
	executionID string,
	opts *dune.ResultOptions,
) (*dune.ResultsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Results++
	f.LastResultOptions = opts
	if f.ResultsErr != nil {
		return nil, f.ResultsErr
	}
	ex, ok := f.executions[executionID]
	if !ok {
		return nil, &dune.APIError{StatusCode: 404, Method: "GET", Path: "/execution/" + executionID + "/results", Message: "execution not found"}
	}
	body := f.page(opts)
	resp := &dune.ResultsResponse{
		ExecutionID:         ex.id,
		QueryID:             ex.queryID,
		State:               dune.StateCompleted,
		IsExecutionFinished: true,
		Result:              body,
	}
	offset := 0
	if opts != nil {
		offset = opts.Offset
	}
	if next := int64(offset) + body.Metadata.RowCount; next < int64(len(f.Rows)) {
		resp.NextOffset = &next
		resp.NextURI = fmt.Sprintf("https://api.dune.com/api/v1/execution/%s/results?offset=%d", ex.id, next)
	}
	return resp, nil
}

func (f *Fake) LatestResults(_ context.Context, queryID int64, _ *dune.ResultOptions) (*dune.ResultsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Latest++
	latest, ok := f.Latest[queryID]
	if !ok {
		return nil, fmt.Errorf("query %d: %w", queryID, dune.ErrNoExecution)
	}
	return latest, nil
}

func (f *Fake) GetQuery(_ context.Context, queryID int64) (*dune.QueryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.GetQuery++
	info, ok := f.Queries[queryID]
	if !ok {
		return nil, &dune.APIError{StatusCode: 404, Method: "GET", Path: fmt.Sprintf("/query/%d", queryID), Message: "Query not found"}
	}
	return info, nil
}
