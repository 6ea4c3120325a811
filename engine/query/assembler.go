package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spicemcp/spice/engine/dune"
)

// View is the caller-facing shape of an execution for one format.
type View struct {
	Type          Format           `json:"type"`
	ExecutionID   string           `json:"execution_id,omitempty"`
	QueryID       int64            `json:"query_id,omitempty"`
	Fingerprint   Fingerprint      `json:"fingerprint,omitempty"`
	State         State            `json:"state"`
	RowCount      int64            `json:"rowcount"`
	TotalRowCount int64            `json:"total_row_count"`
	Columns       []string         `json:"columns,omitempty"`
	ColumnTypes   []string         `json:"column_types,omitempty"`
	Rows          []map[string]any `json:"rows,omitempty"`
	NextOffset    *int64           `json:"next_offset,omitempty"`
	NextURI       string           `json:"next_uri,omitempty"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
	Cached        bool             `json:"cached,omitempty"`
	Reused        bool             `json:"reused,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// AssemblerConfig holds default page sizes.
type AssemblerConfig struct {
	PreviewLimit int
	RawLimit     int
	MaxLimit     int
}

// Assembler turns executions into views, fetching at most one page of rows.
type Assembler struct {
	api dune.API
	cfg AssemblerConfig
}

// NewAssembler creates an assembler with defaults for unset limits.
func NewAssembler(api dune.API, cfg AssemblerConfig) *Assembler {
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = 10
	}
	if cfg.RawLimit <= 0 {
		cfg.RawLimit = 100
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 10000
	}
	return &Assembler{api: api, cfg: cfg}
}

// Assemble builds the view for format. Metadata and poll never fetch rows; preview
// and raw fetch exactly one page and never follow next_offset.
func (a *Assembler) Assemble(ctx context.Context, exec *Execution, proj Projection, format Format) (*View, error) {
	if exec == nil {
		return nil, errors.New("execution is required")
	}
	if err := proj.Validate(Limits{MaxLimit: a.cfg.MaxLimit}); err != nil {
		return nil, err
	}
	if format == FormatPoll {
		return &View{
			Type:        FormatPoll,
			ExecutionID: exec.ExecutionID,
			State:       exec.State,
			Error:       exec.Error,
		}, nil
	}
	view := a.baseView(exec, format)
	if format == FormatMetadata || exec.State != StateCompleted {
		return view, nil
	}
	if format != FormatPreview && format != FormatRaw {
		return nil, &ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q", format)}
	}

	limit := proj.Limit
	if limit <= 0 {
		limit = a.cfg.RawLimit
		if format == FormatPreview {
			limit = a.cfg.PreviewLimit
		}
	}
	limit = min(limit, a.cfg.MaxLimit)
	opts := &dune.ResultOptions{
		Limit:       limit,
		Offset:      proj.Offset,
		SampleCount: proj.SampleCount,
		SortBy:      proj.SortBy,
		Columns:     proj.Columns,
		Filters:     proj.Filters,
	}
	// Samples are drawn unordered, so sort_by is applied to the sample locally.
	clientSort := proj.SampleCount > 0 && proj.SortBy != ""
	if proj.SampleCount > 0 {
		opts.Limit = 0
		opts.SortBy = ""
	}
	res, err := a.api.ExecutionResults(ctx, exec.ExecutionID, opts)
	if err != nil {
		if errors.Is(err, dune.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", exec.ExecutionID, ErrExecutionNotFound)
		}
		return nil, newExecutionError("fetch results", err)
	}

	var rows []map[string]any
	if res.Result != nil {
		rows = res.Result.Rows
		md := res.Result.Metadata
		if len(md.ColumnNames) > 0 {
			view.Columns = md.ColumnNames
			view.ColumnTypes = md.ColumnTypes
		}
		if md.TotalRowCount > 0 {
			view.TotalRowCount = md.TotalRowCount
		}
	}
	if len(rows) > limit && proj.SampleCount == 0 {
		rows = rows[:limit]
	}
	if clientSort {
		terms, err := parseSortTerms(proj.SortBy)
		if err != nil {
			return nil, err
		}
		rows = slices.Clone(rows)
		sortRows(rows, terms)
	}
	if len(proj.Columns) > 0 {
		rows = projectColumns(rows, proj.Columns)
		view.Columns, view.ColumnTypes = projectHeader(view.Columns, view.ColumnTypes, proj.Columns)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	view.Rows = rows
	view.RowCount = int64(len(rows))
	view.NextOffset = res.NextOffset
	view.NextURI = res.NextURI
	return view, nil
}

func (a *Assembler) baseView(exec *Execution, format Format) *View {
	return &View{
		Type:          format,
		ExecutionID:   exec.ExecutionID,
		QueryID:       exec.QueryID,
		Fingerprint:   exec.Fingerprint,
		State:         exec.State,
		RowCount:      exec.RowCount,
		TotalRowCount: exec.TotalRowCount,
		Columns:       exec.ColumnNames,
		ColumnTypes:   exec.ColumnTypes,
		StartedAt:     exec.StartedAt,
		EndedAt:       exec.EndedAt,
		Cached:        exec.Cached,
		Reused:        exec.Reused,
		Error:         exec.Error,
	}
}

func projectColumns(rows []map[string]any, columns []string) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		projected := make(map[string]any, len(columns))
		for _, c := range columns {
			if v, ok := row[c]; ok {
				projected[c] = v
			}
		}
		out[i] = projected
	}
	return out
}

func projectHeader(names, types, columns []string) ([]string, []string) {
	if len(names) == 0 {
		return columns, nil
	}
	outNames := make([]string, 0, len(columns))
	var outTypes []string
	for _, c := range columns {
		idx := slices.Index(names, c)
		if idx < 0 {
			continue
		}
		outNames = append(outNames, c)
		if idx < len(types) {
			outTypes = append(outTypes, types[idx])
		}
	}
	return outNames, outTypes
}

// sortRows applies terms with a stable sort. Nulls follow the term's NULLS
// clause and go last when it is absent, matching Trino.
func sortRows(rows []map[string]any, terms []sortTerm) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, t := range terms {
			a, b := rows[i][t.Column], rows[j][t.Column]
			switch {
			case a == nil && b == nil:
				continue
			case a == nil:
				return t.NullsFirst
			case b == nil:
				return !t.NullsFirst
			}
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if t.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders numbers before everything else, which compares by text.
func compareValues(a, b any) int {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	switch {
	case aok && bok:
		return an.Cmp(bn)
	case aok:
		return -1
	case bok:
		return 1
	}
	return strings.Compare(asText(a), asText(b))
}

// asNumber compares wide integers and decimals from Dune exactly.
func asNumber(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	default:
		return decimal.Decimal{}, false
	}
}

func asText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
