package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spicemcp/spice/engine/dune"
)

// Request describes one query invocation.
type Request struct {
	Reference   Reference
	Parameters  map[string]any
	Performance dune.Performance `validate:"omitempty,oneof=medium large"`
	// Refresh bypasses the result cache and latest-execution reuse.
	Refresh bool
	// MaxAge admits cached or reused results no older than this.
	MaxAge *time.Duration
	// Timeout bounds how long Run waits for a terminal state.
	Timeout *time.Duration
	// Async returns right after the execution is started and checked once.
	Async bool
}

// Format selects the result view.
type Format string

const (
	FormatPreview  Format = "preview"
	FormatRaw      Format = "raw"
	FormatMetadata Format = "metadata"
	FormatPoll     Format = "poll"
)

// ParseFormat accepts an empty value as preview.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatPreview, nil
	case FormatPreview, FormatRaw, FormatMetadata, FormatPoll:
		return f, nil
	default:
		return "", &ValidationError{
			Field:   "format",
			Message: fmt.Sprintf("unsupported format %q (expected preview, raw, metadata or poll)", s),
		}
	}
}

// Projection narrows the rows returned by the Assembler.
type Projection struct {
	Limit       int    `validate:"min=0"`
	Offset      int    `validate:"min=0"`
	SampleCount int    `validate:"min=0"`
	SortBy      string `validate:"omitempty,max=512"`
	Columns     []string
	Filters     string `validate:"omitempty,max=2048"`
}

// Limits bounds what callers may ask for.
type Limits struct {
	MaxLimit      int
	MaxParameters int
	MaxSQLBytes   int
	ReadOnlySQL   bool
}

var (
	validate         = validator.New()
	sortTermPattern  = regexp.MustCompile(`(?i)^"?[A-Za-z_][A-Za-z0-9_]*"?(\s+(asc|desc))?(\s+nulls\s+(first|last))?$`)
	columnPattern    = regexp.MustCompile(`^[^,]+$`)
	parameterPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_ .-]*$`)
)

// Validate checks the request before any I/O.
func (r *Request) Validate(limits Limits) error {
	if r == nil {
		return &ValidationError{Message: "request is required"}
	}
	if err := validate.Struct(r); err != nil {
		return fromValidatorError(err)
	}
	if r.Reference.Kind == "" {
		return &ValidationError{Field: "query", Message: "query must not be empty"}
	}
	if r.Reference.Kind == KindRawSQL {
		if strings.TrimSpace(r.Reference.SQL) == "" {
			return &ValidationError{Field: "query", Message: "sql must not be empty"}
		}
		if limits.MaxSQLBytes > 0 && len(r.Reference.SQL) > limits.MaxSQLBytes {
			return &ValidationError{
				Field:   "query",
				Message: fmt.Sprintf("sql is %d bytes, limit is %d", len(r.Reference.SQL), limits.MaxSQLBytes),
			}
		}
		if limits.ReadOnlySQL {
			if err := CheckReadOnly(r.Reference.SQL); err != nil {
				return &ValidationError{Field: "query", Message: err.Error(), Err: err}
			}
		}
	}
	if limits.MaxParameters > 0 && len(r.Parameters) > limits.MaxParameters {
		return &ValidationError{
			Field:   "parameters",
			Message: fmt.Sprintf("%d parameters given, limit is %d", len(r.Parameters), limits.MaxParameters),
		}
	}
	for key := range r.Parameters {
		if !parameterPattern.MatchString(key) {
			return &ValidationError{Field: "parameters", Message: fmt.Sprintf("invalid parameter name %q", key)}
		}
	}
	if r.MaxAge != nil && *r.MaxAge < 0 {
		return &ValidationError{Field: "max_age", Message: "must not be negative"}
	}
	if r.Timeout != nil && *r.Timeout < 0 {
		return &ValidationError{Field: "timeout_seconds", Message: "must not be negative"}
	}
	return nil
}

// Validate checks the projection against the configured row cap.
func (p *Projection) Validate(limits Limits) error {
	if p == nil {
		return nil
	}
	if err := validate.Struct(p); err != nil {
		return fromValidatorError(err)
	}
	if limits.MaxLimit > 0 && p.Limit > limits.MaxLimit {
		return &ValidationError{Field: "limit", Message: fmt.Sprintf("must be at most %d", limits.MaxLimit)}
	}
	if p.SampleCount > 0 && p.Offset > 0 {
		return &ValidationError{Field: "sample_count", Message: "cannot be combined with offset"}
	}
	for _, c := range p.Columns {
		if strings.TrimSpace(c) == "" || !columnPattern.MatchString(c) {
			return &ValidationError{Field: "columns", Message: fmt.Sprintf("invalid column %q", c)}
		}
	}
	if p.SortBy != "" {
		if _, err := parseSortTerms(p.SortBy); err != nil {
			return err
		}
	}
	return nil
}

func fromValidatorError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{
			Field:   toSnake(fe.Field()),
			Message: fmt.Sprintf("failed %q constraint (got %v)", fe.Tag(), fe.Value()),
			Err:     err,
		}
	}
	return &ValidationError{Message: err.Error(), Err: err}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sortTerm struct {
	Column     string
	Desc       bool
	NullsFirst bool
}

func parseSortTerms(s string) ([]sortTerm, error) {
	parts := strings.Split(s, ",")
	terms := make([]sortTerm, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if !sortTermPattern.MatchString(part) {
			return nil, &ValidationError{Field: "sort_by", Message: fmt.Sprintf("invalid sort term %q", part)}
		}
		fields := strings.Fields(part)
		term := sortTerm{Column: strings.Trim(fields[0], `"`)}
		if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
			term.Desc = true
		}
		if n := len(fields); n >= 3 && strings.EqualFold(fields[n-2], "nulls") {
			term.NullsFirst = strings.EqualFold(fields[n-1], "first")
		}
		terms = append(terms, term)
	}
	return terms, nil
}
