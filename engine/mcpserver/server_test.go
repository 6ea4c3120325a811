package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spicemcp/spice/engine/audit"
	"github.com/spicemcp/spice/engine/cache"
	"github.com/spicemcp/spice/engine/core"
	"github.com/spicemcp/spice/engine/dune"
	"github.com/spicemcp/spice/engine/dune/dunetest"
	"github.com/spicemcp/spice/engine/infra/monitoring"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type serverFixture struct {
	cfg    *config.Config
	api    *dunetest.Fake
	server *Server
}

func newServerFixture(t *testing.T, mutate func(*config.Config)) *serverFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dune.APIKey = config.SensitiveString("test-key")
	cfg.History.Path = filepath.Join(dir, "logs", "queries.jsonl")
	cfg.History.ArtifactRoot = filepath.Join(dir, "artifacts")
	cfg.Query.PollInterval = 5 * time.Millisecond
	cfg.Query.DefaultTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	api := dunetest.New()
	api.Columns = []string{"n", "label"}
	api.ColumnTypes = []string{"integer", "varchar"}
	for i := range 15 {
		api.Rows = append(api.Rows, map[string]any{
			"n":     json.Number(fmt.Sprint(i)),
			"label": fmt.Sprintf("row-%02d", i),
		})
	}
	mon, err := monitoring.NewMonitoringService(ctx, nil)
	require.NoError(t, err)
	deps := NewDeps(cfg, api, cache.NewMemory(32, time.Hour), audit.NewSink(&cfg.History), mon)
	return &serverFixture{cfg: cfg, api: api, server: New(ctx, deps)}
}

func (f *serverFixture) rpc(t *testing.T, method string, params any) gjson.Result {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)
	resp := f.server.MCPServer().HandleMessage(context.Background(), body)
	require.NotNil(t, resp)
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return gjson.ParseBytes(out)
}

// call invokes a tool and returns its decoded envelope and error flag.
func (f *serverFixture) call(t *testing.T, name string, args map[string]any) (gjson.Result, bool) {
	t.Helper()
	res := f.rpc(t, "tools/call", map[string]any{"name": name, "arguments": args})
	require.False(t, res.Get("error").Exists(), "unexpected rpc error: %s", res.Get("error").Raw)
	text := res.Get("result.content.0.text").String()
	require.NotEmpty(t, text)
	return gjson.Parse(text), res.Get("result.isError").Bool()
}

func TestServer_ListTools(t *testing.T) {
	t.Run("Should register every tool", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res := f.rpc(t, "tools/list", map[string]any{})
		var names []string
		for _, n := range res.Get("result.tools.#.name").Array() {
			names = append(names, n.String())
		}
		assert.ElementsMatch(t, []string{ToolQuery, ToolQueryInfo, ToolHealth}, names)
		format := res.Get(`result.tools.#(name=="dune_query").inputSchema.properties.format.enum`)
		assert.Equal(t, `["preview","raw","metadata","poll"]`, strings.ReplaceAll(format.Raw, " ", ""))
	})
}

func TestServer_Query(t *testing.T) {
	t.Run("Should run a saved query and serve the repeat from cache", func(t *testing.T) {
		f := newServerFixture(t, nil)
		first, isErr := f.call(t, ToolQuery, map[string]any{"query": "4060379"})
		require.False(t, isErr, first.Raw)
		assert.True(t, first.Get("ok").Bool())
		assert.Equal(t, "preview", first.Get("type").String())
		assert.Equal(t, "completed", first.Get("state").String())
		assert.Equal(t, "numeric_id", first.Get("query_kind").String())
		assert.Len(t, first.Get("rows").Array(), 10)
		assert.Equal(t, int64(10), first.Get("next_offset").Int())

		second, isErr := f.call(t, ToolQuery, map[string]any{"query": "https://dune.com/queries/4060379"})
		require.False(t, isErr, second.Raw)
		assert.True(t, second.Get("cached").Bool())
		assert.Equal(t, first.Get("execution_id").String(), second.Get("execution_id").String())
		assert.Equal(t, 1, f.api.Calls().ExecuteQuery)
	})
	t.Run("Should force a new execution on refresh", func(t *testing.T) {
		f := newServerFixture(t, nil)
		first, _ := f.call(t, ToolQuery, map[string]any{"query": "42"})
		second, _ := f.call(t, ToolQuery, map[string]any{"query": "42", "refresh": true})
		assert.NotEqual(t, first.Get("execution_id").String(), second.Get("execution_id").String())
		assert.Equal(t, 2, f.api.Calls().ExecuteQuery)
	})
	t.Run("Should keep numeric values verbatim", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, _ := f.call(t, ToolQuery, map[string]any{"query": "7", "limit": 2, "sort_by": "n desc"})
		rows := res.Get("rows").Array()
		require.Len(t, rows, 2)
		assert.Equal(t, "0", rows[0].Get("n").Raw)
		assert.Equal(t, "1", rows[1].Get("n").Raw)
		assert.Equal(t, "n desc", f.api.LastResultOptions.SortBy)
	})
	t.Run("Should accept loosely typed arguments", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, isErr := f.call(t, ToolQuery, map[string]any{
			"query":   "7",
			"limit":   "3",
			"columns": "label",
			"format":  "raw",
		})
		require.False(t, isErr, res.Raw)
		assert.Equal(t, "raw", res.Get("type").String())
		assert.Equal(t, []any{"label"}, res.Get("columns").Value())
		require.Len(t, res.Get("rows").Array(), 3)
		assert.False(t, res.Get("rows.0.n").Exists())
		assert.Equal(t, 3, f.api.LastResultOptions.Limit)
	})
	t.Run("Should not fetch rows for metadata", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, isErr := f.call(t, ToolQuery, map[string]any{"query": "select 1", "format": "metadata"})
		require.False(t, isErr, res.Raw)
		assert.Equal(t, "metadata", res.Get("type").String())
		assert.Equal(t, int64(15), res.Get("rowcount").Int())
		assert.False(t, res.Get("rows").Exists())
		assert.Equal(t, 0, f.api.Calls().Results)
	})
	t.Run("Should store raw SQL as a readable artifact", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, isErr := f.call(t, ToolQuery, map[string]any{"query": "select 1"})
		require.False(t, isErr, res.Raw)
		sha := core.DigestString("select 1")
		uri := ArtifactURI(sha)
		assert.Equal(t, uri, res.Get("sql_artifact").String())
		assert.Equal(t, "select 1", f.api.LastSQL)

		read := f.rpc(t, "resources/read", map[string]any{"uri": uri})
		assert.Equal(t, "select 1", read.Get("result.contents.0.text").String())
	})
	t.Run("Should return a resumable execution on timeout", func(t *testing.T) {
		f := newServerFixture(t, nil)
		f.api.Script = []dune.ExecutionState{dune.StatePending, dune.StateExecuting}
		res, isErr := f.call(t, ToolQuery, map[string]any{"query": "select 2", "timeout_seconds": 0.05})
		require.False(t, isErr, res.Raw)
		assert.Equal(t, "timed_out", res.Get("state").String())
		id := res.Get("execution_id").String()
		require.NotEmpty(t, id)
		assert.Contains(t, res.Get("hint").String(), id)

		poll, isErr := f.call(t, ToolQuery, map[string]any{"execution_id": id, "format": "poll"})
		require.False(t, isErr, poll.Raw)
		assert.Equal(t, "poll", poll.Get("type").String())
		assert.Equal(t, id, poll.Get("execution_id").String())
		assert.Equal(t, "running", poll.Get("state").String())
		assert.False(t, poll.Get("rows").Exists())
	})
	t.Run("Should map failed executions to QUERY_FAILED", func(t *testing.T) {
		f := newServerFixture(t, nil)
		f.api.Script = []dune.ExecutionState{dune.StateFailed}
		f.api.ErrorMessage = "line 1:8: Column 'x' cannot be resolved"
		res, isErr := f.call(t, ToolQuery, map[string]any{"query": "select x"})
		require.True(t, isErr)
		assert.False(t, res.Get("ok").Bool())
		assert.Equal(t, ErrQueryFailedCode, res.Get("error.code").String())
		assert.Contains(t, res.Get("error.message").String(), "cannot be resolved")
		assert.NotEmpty(t, res.Get("error.context.execution_id").String())
		assert.NotEmpty(t, res.Get("error.data.suggestions").Array())
	})
	t.Run("Should reject invalid arguments before any request", func(t *testing.T) {
		f := newServerFixture(t, nil)
		cases := []map[string]any{
			{},
			{"query": "1", "format": "xml"},
			{"query": "1", "limit": 50000},
			{"query": "1", "sample_count": 5, "offset": 10},
			{"query": "1", "timeout_seconds": -1},
		}
		for _, args := range cases {
			res, isErr := f.call(t, ToolQuery, args)
			require.True(t, isErr, "args %v", args)
			assert.Equal(t, ErrValidationCode, res.Get("error.code").String(), "args %v", args)
			assert.NotEmpty(t, res.Get("error.context.request_id").String())
		}
		assert.Equal(t, dunetest.Calls{}, f.api.Calls())
	})
	t.Run("Should surface upstream rate limits", func(t *testing.T) {
		f := newServerFixture(t, nil)
		f.api.ExecuteErr = &dune.APIError{StatusCode: 429, Method: "POST", Path: "/sql/execute", Message: "rate limited"}
		res, isErr := f.call(t, ToolQuery, map[string]any{"query": "select 3"})
		require.True(t, isErr)
		assert.Equal(t, ErrRateLimitedCode, res.Get("error.code").String())
		assert.Equal(t, int64(429), res.Get("error.data.status_code").Int())
	})
	t.Run("Should report unknown executions as not found", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, isErr := f.call(t, ToolQuery, map[string]any{"execution_id": "01missing", "format": "poll"})
		require.True(t, isErr)
		assert.Equal(t, ErrQueryNotFoundCode, res.Get("error.code").String())
	})
}

func TestServer_QueryInfo(t *testing.T) {
	t.Run("Should return saved query metadata", func(t *testing.T) {
		f := newServerFixture(t, nil)
		f.api.Queries[123] = &dune.QueryInfo{
			QueryID:  123,
			Name:     "DEX volume",
			Tags:     []string{"dex"},
			QuerySQL: "select * from dex.trades",
			Version:  3,
			Parameters: []dune.QueryParameter{
				{Key: "chain", Type: "text", Value: "ethereum"},
			},
		}
		res, isErr := f.call(t, ToolQueryInfo, map[string]any{"query": "dune.com/queries/123"})
		require.False(t, isErr, res.Raw)
		assert.Equal(t, "DEX volume", res.Get("name").String())
		assert.Equal(t, "https://dune.com/queries/123", res.Get("query_url").String())
		assert.Equal(t, "chain", res.Get("parameters.0.key").String())
		assert.Equal(t, int64(3), res.Get("version").Int())
	})
	t.Run("Should map missing queries to QUERY_NOT_FOUND", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, isErr := f.call(t, ToolQueryInfo, map[string]any{"query": "999"})
		require.True(t, isErr)
		assert.Equal(t, ErrQueryNotFoundCode, res.Get("error.code").String())
		assert.Equal(t, "999", res.Get("error.context.query").String())
	})
	t.Run("Should reject raw SQL", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, isErr := f.call(t, ToolQueryInfo, map[string]any{"query": "select 1"})
		require.True(t, isErr)
		assert.Equal(t, ErrValidationCode, res.Get("error.code").String())
	})
}

func TestServer_Health(t *testing.T) {
	t.Run("Should report ok when configured", func(t *testing.T) {
		f := newServerFixture(t, nil)
		res, isErr := f.call(t, ToolHealth, map[string]any{})
		require.False(t, isErr)
		assert.Equal(t, StatusOK, res.Get("status").String())
		assert.True(t, res.Get("api_key_present").Bool())
		assert.True(t, res.Get("logging_enabled").Bool())
		assert.Equal(t, f.cfg.History.Path, res.Get("query_history_path").String())
		assert.Equal(t, config.CacheModeMemory, res.Get("cache_mode").String())
		assert.False(t, res.Get("template_query_ok").Exists())
	})
	t.Run("Should degrade without an API key", func(t *testing.T) {
		f := newServerFixture(t, func(cfg *config.Config) { cfg.Dune.APIKey = "" })
		res, _ := f.call(t, ToolHealth, nil)
		assert.Equal(t, StatusDegraded, res.Get("status").String())
		assert.False(t, res.Get("api_key_present").Bool())
	})
	t.Run("Should probe the template query when that engine is selected", func(t *testing.T) {
		f := newServerFixture(t, func(cfg *config.Config) {
			cfg.Dune.RawSQLEngine = config.RawSQLEngineTemplate
			cfg.Dune.RawSQLQueryID = 555
		})
		res, _ := f.call(t, ToolHealth, nil)
		assert.Equal(t, StatusDegraded, res.Get("status").String())
		assert.False(t, res.Get("template_query_ok").Bool())

		f.api.Queries[555] = &dune.QueryInfo{QueryID: 555, Name: "template"}
		res, _ = f.call(t, ToolHealth, nil)
		assert.Equal(t, StatusOK, res.Get("status").String())
		assert.True(t, res.Get("template_query_ok").Bool())
		assert.Equal(t, int64(555), res.Get("template_query_id").Int())
	})
}

func TestServer_Resources(t *testing.T) {
	t.Run("Should tail the audit log", func(t *testing.T) {
		f := newServerFixture(t, nil)
		_, _ = f.call(t, ToolQuery, map[string]any{"query": "11"})
		_, _ = f.call(t, ToolQuery, map[string]any{"query": "11"})
		read := f.rpc(t, "resources/read", map[string]any{"uri": "spice:history/tail/1"})
		text := read.Get("result.contents.0.text").String()
		lines := strings.Split(strings.TrimSpace(text), "\n")
		require.Len(t, lines, 1)
		assert.Equal(t, "cache_hit", gjson.Get(lines[0], "action_type").String())

		read = f.rpc(t, "resources/read", map[string]any{"uri": "spice:history/tail/50"})
		lines = strings.Split(strings.TrimSpace(read.Get("result.contents.0.text").String()), "\n")
		assert.Len(t, lines, 2)
		assert.Equal(t, "execute", gjson.Get(lines[0], "action_type").String())
	})
	t.Run("Should return an empty document when history is disabled", func(t *testing.T) {
		f := newServerFixture(t, func(cfg *config.Config) { cfg.History.Enabled = false })
		read := f.rpc(t, "resources/read", map[string]any{"uri": "spice:history/tail/10"})
		assert.Equal(t, "", read.Get("result.contents.0.text").String())
	})
	t.Run("Should reject malformed artifact digests", func(t *testing.T) {
		f := newServerFixture(t, nil)
		read := f.rpc(t, "resources/read", map[string]any{"uri": "spice:artifact/not-a-digest"})
		assert.True(t, read.Get("error").Exists())
	})
}
