package dune

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spicemcp/spice/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Default()
	cfg.Dune.BaseURL = srv.URL
	cfg.Dune.APIKey = "test-key"
	cfg.HTTP.Timeout = 2 * time.Second
	client, err := NewClient(cfg, WithRetryDelays(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	return client
}

func TestClient_ExecuteQuery(t *testing.T) {
	t.Run("Should post parameters and authenticate", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/query/1234/execute", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("X-Dune-API-Key"))
			assert.Contains(t, r.Header.Get("User-Agent"), "spice-mcp/")
			body, _ := io.ReadAll(r.Body)
			var payload map[string]any
			require.NoError(t, json.Unmarshal(body, &payload))
			assert.Equal(t, map[string]any{"chain": "ethereum"}, payload["query_parameters"])
			assert.Equal(t, "medium", payload["performance"])
			_, _ = w.Write([]byte(`{"execution_id":"01HEXEC","state":"QUERY_STATE_PENDING"}`))
		})

		resp, err := client.ExecuteQuery(t.Context(), 1234, &ExecuteRequest{
			QueryParameters: map[string]any{"chain": "ethereum"},
			Performance:     PerformanceMedium,
		})
		require.NoError(t, err)
		assert.Equal(t, "01HEXEC", resp.ExecutionID)
		assert.Equal(t, StatePending, resp.State)
	})

	t.Run("Should retry throttled requests and then succeed", func(t *testing.T) {
		var hits atomic.Int32
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limited"}`))
				return
			}
			_, _ = w.Write([]byte(`{"execution_id":"01HOK"}`))
		})

		resp, err := client.ExecuteQuery(t.Context(), 1, nil)
		require.NoError(t, err)
		assert.Equal(t, "01HOK", resp.ExecutionID)
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("Should give up after the configured attempts", func(t *testing.T) {
		var hits atomic.Int32
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := client.ExecuteQuery(t.Context(), 1, nil)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, http.StatusBadGateway, StatusCode(err))
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("Should not retry client errors", func(t *testing.T) {
		var hits atomic.Int32
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid query parameters"}`))
		})

		_, err := client.ExecuteQuery(t.Context(), 1, nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "invalid query parameters", apiErr.Message)
		assert.False(t, IsRetryable(err))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("Should fail fast without an api key", func(t *testing.T) {
		cfg := config.Default()
		client, err := NewClient(cfg)
		require.NoError(t, err)
		_, err = client.ExecuteQuery(t.Context(), 1, nil)
		assert.ErrorIs(t, err, ErrMissingAPIKey)
	})
}

func TestClient_ExecuteSQL(t *testing.T) {
	t.Run("Should post raw sql to the sql endpoint", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sql/execute", r.URL.Path)
			var payload ExecuteSQLRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "select 1", payload.SQL)
			assert.Equal(t, map[string]any{"chain": "base"}, payload.QueryParameters)
			_, _ = w.Write([]byte(`{"execution_id":"01HSQL"}`))
		})

		resp, err := client.ExecuteSQL(t.Context(), &ExecuteSQLRequest{
			SQL:             "select 1",
			QueryParameters: map[string]any{"chain": "base"},
		})
		require.NoError(t, err)
		assert.Equal(t, "01HSQL", resp.ExecutionID)
	})
}

func TestClient_ExecutionStatus(t *testing.T) {
	t.Run("Should decode metadata and error details", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/execution/01HX/status", r.URL.Path)
			_, _ = w.Write([]byte(`{
				"execution_id":"01HX","query_id":42,"state":"QUERY_STATE_FAILED",
				"is_execution_finished":true,
				"execution_started_at":"2024-05-01T10:00:00.123456Z",
				"execution_ended_at":"2024-05-01T10:00:02.5Z",
				"error":{"type":"FAILED_TYPE_EXECUTION_FAILED","message":"line 1:8: Column 'foo' cannot be resolved"}
			}`))
		})

		st, err := client.ExecutionStatus(t.Context(), "01HX")
		require.NoError(t, err)
		assert.Equal(t, StateFailed, st.State)
		assert.True(t, st.State.IsTerminal())
		assert.False(t, st.State.IsSuccess())
		require.NotNil(t, st.ExecutionEndedAt)
		assert.Equal(t, 2024, st.ExecutionEndedAt.Year())
		assert.Contains(t, st.Error.Message(), "Column 'foo' cannot be resolved")
	})
}

func TestClient_Results(t *testing.T) {
	t.Run("Should forward projections and keep numbers exact", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "5", q.Get("limit"))
			assert.Equal(t, "10", q.Get("offset"))
			assert.Equal(t, "block_time desc", q.Get("sort_by"))
			assert.Equal(t, "a,b", q.Get("columns"))
			_, _ = w.Write([]byte(`{
				"execution_id":"01HX","state":"QUERY_STATE_COMPLETED","is_execution_finished":true,
				"result":{"rows":[{"a":123456789012345678901234,"b":"x"}],
					"metadata":{"column_names":["a","b"],"row_count":1,"total_row_count":30}},
				"next_offset":15,"next_uri":"https://api.dune.com/api/v1/execution/01HX/results?offset=15"
			}`))
		})

		res, err := client.ExecutionResults(t.Context(), "01HX", &ResultOptions{
			Limit: 5, Offset: 10, SortBy: "block_time desc", Columns: []string{"a", "b"},
		})
		require.NoError(t, err)
		require.NotNil(t, res.Result)
		assert.Equal(t, json.Number("123456789012345678901234"), res.Result.Rows[0]["a"])
		require.NotNil(t, res.NextOffset)
		assert.Equal(t, int64(15), *res.NextOffset)
		assert.Contains(t, res.NextURI, "offset=15")
	})

	t.Run("Should map missing executions to ErrNoExecution", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found: No execution found for the latest version of the given query"}`))
		})

		_, err := client.LatestResults(t.Context(), 99, &ResultOptions{Limit: 1})
		assert.True(t, errors.Is(err, ErrNoExecution))
	})
}

func TestClient_GetQuery(t *testing.T) {
	t.Run("Should decode saved query metadata", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/query/7", r.URL.Path)
			_, _ = w.Write([]byte(`{"query_id":7,"name":"volumes","tags":["dex"],"query_sql":"select 1",
				"parameters":[{"key":"chain","type":"text","value":"ethereum"}]}`))
		})

		info, err := client.GetQuery(t.Context(), 7)
		require.NoError(t, err)
		assert.Equal(t, "volumes", info.Name)
		assert.Equal(t, []string{"dex"}, info.Tags)
		require.Len(t, info.Parameters, 1)
		assert.Equal(t, "chain", info.Parameters[0].Key)
		assert.Equal(t, "https://dune.com/queries/7", QueryURL(info.QueryID))
	})

	t.Run("Should report not found", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		_, err := client.GetQuery(t.Context(), 7)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
