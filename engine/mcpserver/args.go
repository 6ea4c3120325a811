package mcpserver

import (
	"fmt"
	"math"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spicemcp/spice/engine/dune"
	"github.com/spicemcp/spice/engine/query"
)

// QueryArgs are the dune_query tool arguments. Pointer fields are optional.
type QueryArgs struct {
	Query          string         `mapstructure:"query"           json:"query,omitempty"`
	ExecutionID    string         `mapstructure:"execution_id"    json:"execution_id,omitempty"`
	Parameters     map[string]any `mapstructure:"parameters"      json:"parameters,omitempty"`
	Refresh        bool           `mapstructure:"refresh"         json:"refresh,omitempty"`
	MaxAge         *float64       `mapstructure:"max_age"         json:"max_age,omitempty"`
	Limit          *int           `mapstructure:"limit"           json:"limit,omitempty"`
	Offset         *int           `mapstructure:"offset"          json:"offset,omitempty"`
	SampleCount    *int           `mapstructure:"sample_count"    json:"sample_count,omitempty"`
	SortBy         string         `mapstructure:"sort_by"         json:"sort_by,omitempty"`
	Columns        []string       `mapstructure:"columns"         json:"columns,omitempty"`
	Filters        string         `mapstructure:"filters"         json:"filters,omitempty"`
	Format         string         `mapstructure:"format"          json:"format,omitempty"`
	Performance    string         `mapstructure:"performance"     json:"performance,omitempty"`
	TimeoutSeconds *float64       `mapstructure:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// InfoArgs are the dune_query_info tool arguments.
type InfoArgs struct {
	Query string `mapstructure:"query"`
}

// decodeArgs copies loosely typed tool arguments into out. Numbers may arrive as
// strings and columns as a comma separated list.
func decodeArgs(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return fmt.Errorf("build argument decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return &query.ValidationError{Message: fmt.Sprintf("invalid arguments: %v", err), Err: err}
	}
	return nil
}

func secondsToDuration(field string, v *float64) (*time.Duration, error) {
	if v == nil {
		return nil, nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return nil, &query.ValidationError{Field: field, Message: "must be a non-negative number of seconds"}
	}
	d := time.Duration(*v * float64(time.Second))
	return &d, nil
}

// Request converts the arguments for a resolved reference.
func (a *QueryArgs) Request(ref query.Reference) (*query.Request, error) {
	maxAge, err := secondsToDuration("max_age", a.MaxAge)
	if err != nil {
		return nil, err
	}
	timeout, err := secondsToDuration("timeout_seconds", a.TimeoutSeconds)
	if err != nil {
		return nil, err
	}
	return &query.Request{
		Reference:   ref,
		Parameters:  a.Parameters,
		Performance: dune.Performance(a.Performance),
		Refresh:     a.Refresh,
		MaxAge:      maxAge,
		Timeout:     timeout,
	}, nil
}

// Projection converts the row selection arguments.
func (a *QueryArgs) Projection() query.Projection {
	p := query.Projection{
		SortBy:  a.SortBy,
		Columns: a.Columns,
		Filters: a.Filters,
	}
	if a.Limit != nil {
		p.Limit = *a.Limit
	}
	if a.Offset != nil {
		p.Offset = *a.Offset
	}
	if a.SampleCount != nil {
		p.SampleCount = *a.SampleCount
	}
	return p
}

// Context returns the fields echoed back in failure envelopes.
func (a *QueryArgs) Context() map[string]any {
	out := map[string]any{"tool": ToolQuery}
	if a.Query != "" {
		out["query"] = a.Query
	}
	if a.ExecutionID != "" {
		out["execution_id"] = a.ExecutionID
	}
	if a.Limit != nil {
		out["limit"] = *a.Limit
	}
	if a.Offset != nil {
		out["offset"] = *a.Offset
	}
	return out
}
