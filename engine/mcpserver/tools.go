package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/spicemcp/spice/engine/dune"
	"github.com/spicemcp/spice/engine/query"
)

const (
	ToolQuery     = "dune_query"
	ToolQueryInfo = "dune_query_info"
	ToolHealth    = "dune_health_check"
)

// QueryResult is the success envelope of dune_query.
type QueryResult struct {
	OK bool `json:"ok"`
	*query.View
	QueryKind   query.Kind `json:"query_kind,omitempty"`
	SQLArtifact string     `json:"sql_artifact,omitempty"`
	Hint        string     `json:"hint,omitempty"`
}

// QueryInfoResult is the success envelope of dune_query_info.
type QueryInfoResult struct {
	OK          bool                  `json:"ok"`
	QueryID     int64                 `json:"query_id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Tags        []string              `json:"tags"`
	Parameters  []dune.QueryParameter `json:"parameters"`
	Version     int64                 `json:"version,omitempty"`
	QueryEngine string                `json:"query_engine,omitempty"`
	QuerySQL    string                `json:"query_sql"`
	QueryURL    string                `json:"query_url"`
	IsPrivate   bool                  `json:"is_private"`
	IsArchived  bool                  `json:"is_archived"`
	Owner       string                `json:"owner,omitempty"`
}

// Tools implements the tool operations independently of the MCP transport.
type Tools struct {
	deps *Deps
}

// NewTools creates the tool set.
func NewTools(deps *Deps) *Tools {
	return &Tools{deps: deps}
}

// ArtifactURI is the resource URI of a stored SQL artifact.
func ArtifactURI(sha string) string {
	return artifactPrefix + sha
}

// Query runs or resumes a query and assembles the requested view.
func (t *Tools) Query(ctx context.Context, args *QueryArgs) (*QueryResult, error) {
	format, err := query.ParseFormat(args.Format)
	if err != nil {
		return nil, err
	}
	proj := args.Projection()
	if err := proj.Validate(t.deps.Gateway.Limits()); err != nil {
		return nil, err
	}
	var (
		exec *query.Execution
		ref  query.Reference
	)
	switch {
	case strings.TrimSpace(args.ExecutionID) != "":
		exec, err = t.deps.Gateway.Status(ctx, strings.TrimSpace(args.ExecutionID))
		if err != nil {
			return nil, err
		}
	case strings.TrimSpace(args.Query) == "":
		return nil, &query.ValidationError{Field: "query", Message: "query or execution_id is required"}
	default:
		ref, err = query.Resolve(args.Query)
		if err != nil {
			return nil, err
		}
		req, err := args.Request(ref)
		if err != nil {
			return nil, err
		}
		req.Async = format == query.FormatPoll
		exec, err = t.deps.Gateway.Run(ctx, req)
		if err != nil {
			return nil, err
		}
	}
	if failure := exec.Failure(); failure != nil && format != query.FormatPoll {
		return nil, failure
	}
	view, err := t.deps.Assembler.Assemble(ctx, exec, proj, format)
	if err != nil {
		return nil, err
	}
	res := &QueryResult{OK: true, View: view, QueryKind: ref.Kind}
	if ref.Kind == query.KindRawSQL && t.deps.Config.History.ArtifactRoot != "" {
		res.SQLArtifact = ArtifactURI(query.ComputeFingerprint(ref, nil).String())
	}
	if !exec.State.IsTerminal() || exec.State == query.StateTimedOut {
		res.Hint = fmt.Sprintf(
			"execution %s is %s; call %s with execution_id=%q and format=poll to check again",
			exec.ExecutionID, exec.State, ToolQuery, exec.ExecutionID,
		)
	}
	return res, nil
}

// QueryInfo fetches saved query metadata.
func (t *Tools) QueryInfo(ctx context.Context, args *InfoArgs) (*QueryInfoResult, error) {
	ref, err := query.Resolve(args.Query)
	if err != nil {
		return nil, err
	}
	if !ref.Saved() {
		return nil, &query.ValidationError{Field: "query", Message: "expected a saved query id or dune.com URL"}
	}
	info, err := t.deps.API.GetQuery(ctx, ref.QueryID)
	if err != nil {
		return nil, fmt.Errorf("get query %d: %w", ref.QueryID, err)
	}
	tags := info.Tags
	if tags == nil {
		tags = []string{}
	}
	params := info.Parameters
	if params == nil {
		params = []dune.QueryParameter{}
	}
	return &QueryInfoResult{
		OK:          true,
		QueryID:     ref.QueryID,
		Name:        info.Name,
		Description: info.Description,
		Tags:        tags,
		Parameters:  params,
		Version:     info.Version,
		QueryEngine: info.QueryEngine,
		QuerySQL:    info.QuerySQL,
		QueryURL:    dune.QueryURL(ref.QueryID),
		IsPrivate:   info.IsPrivate,
		IsArchived:  info.IsArchived,
		Owner:       info.Owner,
	}, nil
}
