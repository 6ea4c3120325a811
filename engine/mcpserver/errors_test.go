package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spicemcp/spice/engine/audit"
	"github.com/spicemcp/spice/engine/dune"
	"github.com/spicemcp/spice/engine/query"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	apiErr := func(status int, msg string) error {
		return &dune.APIError{StatusCode: status, Method: "GET", Path: "/x", Message: msg}
	}
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"validation", &query.ValidationError{Field: "limit", Message: "bad"}, ErrValidationCode},
		{"invalid artifact", audit.ErrInvalidArtifact, ErrValidationCode},
		{"remote failure", &query.RemoteFailure{ExecutionID: "01x", State: dune.StateFailed}, ErrQueryFailedCode},
		{"missing key", &query.ExecutionError{Op: "start", Err: dune.ErrMissingAPIKey}, ErrAuthCode},
		{"unauthorized", apiErr(401, "invalid API Key"), ErrAuthCode},
		{"forbidden", apiErr(403, "forbidden"), ErrAuthCode},
		{"not found", fmt.Errorf("get query: %w", apiErr(404, "Query not found")), ErrQueryNotFoundCode},
		{"execution not found", fmt.Errorf("01x: %w", query.ErrExecutionNotFound), ErrQueryNotFoundCode},
		{"rate limited", &query.ExecutionError{Op: "start", Transient: true, StatusCode: 429, Err: apiErr(429, "slow down")}, ErrRateLimitedCode},
		{"bad gateway", &query.ExecutionError{Op: "poll", Transient: true, StatusCode: 502, Err: apiErr(502, "")}, ErrUpstreamUnavailableCode},
		{"transport", &dune.TransportError{Method: "GET", Path: "/x", Err: errors.New("connection reset")}, ErrUpstreamUnavailableCode},
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), ErrUpstreamUnavailableCode},
		{"rejected", &query.ExecutionError{Op: "start", StatusCode: 400, Err: apiErr(400, "bad parameter")}, ErrUpstreamRejectedCode},
		{"unknown", errors.New("boom"), ErrUnknownCode},
	}
	for _, tc := range cases {
		t.Run("Should classify "+tc.name, func(t *testing.T) {
			code, _ := Classify(tc.err)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestNewFailure(t *testing.T) {
	t.Run("Should fill suggestions and the upstream status", func(t *testing.T) {
		err := &query.ExecutionError{Op: "start", Transient: true, StatusCode: 429, Err: &dune.APIError{StatusCode: 429}}
		f := NewFailure(err, map[string]any{"tool": ToolQuery})
		assert.False(t, f.OK)
		assert.Equal(t, ErrRateLimitedCode, f.Error.Code)
		assert.Equal(t, 429, f.Error.Data.StatusCode)
		assert.NotEmpty(t, f.Error.Data.Suggestions)
		assert.Equal(t, ToolQuery, f.Error.Context["tool"])
	})
	t.Run("Should attach the execution of a remote failure", func(t *testing.T) {
		f := NewFailure(&query.RemoteFailure{ExecutionID: "01abc", State: dune.StateFailed, Message: "syntax"}, nil)
		assert.Equal(t, ErrQueryFailedCode, f.Error.Code)
		assert.Equal(t, "01abc", f.Error.Context["execution_id"])
		assert.Contains(t, f.Error.Message, "syntax")
	})
	t.Run("Should never share suggestion slices", func(t *testing.T) {
		a := Suggestions(ErrAuthCode)
		a[0] = "changed"
		assert.NotEqual(t, "changed", Suggestions(ErrAuthCode)[0])
		assert.Equal(t, Suggestions(ErrUnknownCode), Suggestions("SOMETHING_ELSE"))
	})
}
