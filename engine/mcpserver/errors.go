package mcpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/spicemcp/spice/engine/audit"
	"github.com/spicemcp/spice/engine/core"
	"github.com/spicemcp/spice/engine/dune"
	"github.com/spicemcp/spice/engine/query"
)

// Error codes
const (
	ErrValidationCode          = "VALIDATION_ERROR"
	ErrRateLimitedCode         = "RATE_LIMITED"
	ErrUpstreamUnavailableCode = "UPSTREAM_UNAVAILABLE"
	ErrUpstreamRejectedCode    = "UPSTREAM_REJECTED"
	ErrAuthCode                = "AUTH_ERROR"
	ErrQueryNotFoundCode       = "QUERY_NOT_FOUND"
	ErrQueryFailedCode         = "QUERY_FAILED"
	ErrUnknownCode             = "UNKNOWN_ERROR"
)

// ErrorData carries machine-readable hints for the caller.
type ErrorData struct {
	Suggestions []string `json:"suggestions"`
	StatusCode  int      `json:"status_code,omitempty"`
}

// ErrorBody is the error half of the tool envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    ErrorData      `json:"data"`
	Context map[string]any `json:"context,omitempty"`
}

// Failure is the envelope returned for every failed tool call.
type Failure struct {
	OK    bool       `json:"ok"`
	Error *ErrorBody `json:"error"`
}

var suggestions = map[string][]string{
	ErrValidationCode: {
		"Check the argument named in the message and retry",
		"Pass a numeric query id, a dune.com/queries URL or SQL text as query",
	},
	ErrRateLimitedCode: {
		"Wait a few seconds before retrying",
		"Reuse cached results by leaving refresh unset",
	},
	ErrUpstreamUnavailableCode: {
		"Retry shortly; the Dune API did not respond in time",
		"Use format=poll with the execution_id to resume a long running query",
	},
	ErrUpstreamRejectedCode: {
		"Review the query parameters and projection arguments",
		"Inspect the saved query with dune_query_info",
	},
	ErrAuthCode: {
		"Set DUNE_API_KEY in the environment or a .env file",
		"Verify the key has access to this query",
	},
	ErrQueryNotFoundCode: {
		"Verify the query id or execution_id",
		"Private queries require an API key from the owning team",
	},
	ErrQueryFailedCode: {
		"Fix the SQL reported in the message and run the query again",
		"Use refresh=true after editing a saved query",
	},
	ErrUnknownCode: {
		"Retry the call",
		"Run dune_health_check to verify the server configuration",
	},
}

// Suggestions returns the hints attached to code.
func Suggestions(code string) []string {
	s, ok := suggestions[code]
	if !ok {
		s = suggestions[ErrUnknownCode]
	}
	return append([]string(nil), s...)
}

// Classify maps an error to an envelope code and the upstream HTTP status, if any.
func Classify(err error) (string, int) {
	status := dune.StatusCode(err)
	var (
		validationErr *query.ValidationError
		remoteErr     *query.RemoteFailure
		execErr       *query.ExecutionError
		transportErr  *dune.TransportError
	)
	switch {
	case errors.As(err, &validationErr),
		errors.Is(err, audit.ErrInvalidArtifact):
		return ErrValidationCode, status
	case errors.As(err, &remoteErr):
		return ErrQueryFailedCode, status
	case errors.Is(err, dune.ErrMissingAPIKey),
		errors.Is(err, dune.ErrUnauthorized):
		return ErrAuthCode, status
	case errors.Is(err, query.ErrExecutionNotFound),
		errors.Is(err, dune.ErrNotFound),
		errors.Is(err, audit.ErrArtifactNotFound):
		return ErrQueryNotFoundCode, status
	case status == http.StatusTooManyRequests:
		return ErrRateLimitedCode, status
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &transportErr),
		errors.As(err, &execErr) && execErr.Transient:
		return ErrUpstreamUnavailableCode, status
	case status >= 400 && status < 500:
		return ErrUpstreamRejectedCode, status
	case status >= 500:
		return ErrUpstreamUnavailableCode, status
	default:
		return ErrUnknownCode, status
	}
}

// NewFailure builds the failure envelope for err. Every error leaving a tool goes through here.
func NewFailure(err error, details map[string]any) *Failure {
	code, status := Classify(err)
	msg := "unknown error"
	if err != nil {
		msg = core.RedactError(err)
	}
	var remoteErr *query.RemoteFailure
	if errors.As(err, &remoteErr) {
		if details == nil {
			details = map[string]any{}
		}
		details["execution_id"] = remoteErr.ExecutionID
		details["upstream_state"] = string(remoteErr.State)
	}
	return &Failure{
		OK: false,
		Error: &ErrorBody{
			Code:    code,
			Message: msg,
			Data:    ErrorData{Suggestions: Suggestions(code), StatusCode: status},
			Context: details,
		},
	}
}
