package dune

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotFound is matched by API errors with status 404.
	ErrNotFound = errors.New("dune: resource not found")
	// ErrNoExecution signals that a saved query has never been executed.
	ErrNoExecution = errors.New("dune: no execution found for query")
	// ErrUnauthorized is matched by API errors with status 401 or 403.
	ErrUnauthorized = errors.New("dune: unauthorized")
	// ErrMissingAPIKey is returned before any request when no key is configured.
	ErrMissingAPIKey = errors.New("dune: DUNE_API_KEY is not set")
)

const (
	noExecutionMarker = "no execution found"
	maxMessageLen     = 512
)

// APIError is a non-2xx response from the Dune API.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dune %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Retryable reports whether the failure is worth retrying.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrNoExecution:
		return strings.Contains(strings.ToLower(e.Message), noExecutionMarker)
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	default:
		return false
	}
}

// TransportError wraps failures that happened before a response was received.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dune %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	msg := gjson.GetBytes(body, "error")
	message := ""
	switch {
	case msg.IsObject():
		message = ErrorDetail(msg.Raw).Message()
	case msg.Exists():
		message = msg.String()
	default:
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	message = truncate(message, maxMessageLen)
	return &APIError{StatusCode: status, Method: method, Path: path, Message: message}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// IsTransient reports whether err is a rate limit, any 5xx, or a transport failure.
// It is wider than IsRetryable, which gates automatic retries.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsRetryable reports whether err is a transient transport or API failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// StatusCode extracts the HTTP status from err, or 0 when there was none.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
