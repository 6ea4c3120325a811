package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spicemcp/spice/engine/core"
)

// Kind tags how a query reference was written by the caller.
type Kind string

const (
	KindNumericID Kind = "numeric_id"
	KindURL       Kind = "url"
	KindRawSQL    Kind = "raw_sql"
)

// Reference is a resolved query reference. QueryID is set for NumericID and URL
// references; SQL is set for RawSQL references.
type Reference struct {
	Kind    Kind   `json:"kind"`
	Raw     string `json:"raw"`
	QueryID int64  `json:"query_id,omitempty"`
	SQL     string `json:"sql,omitempty"`
}

// Saved reports whether the reference points at a saved Dune query.
func (r Reference) Saved() bool {
	return r.Kind == KindNumericID || r.Kind == KindURL
}

// Canonical returns the SQL text for raw SQL and the decimal ID otherwise.
func (r Reference) Canonical() string {
	if r.Kind == KindRawSQL {
		return r.SQL
	}
	return strconv.FormatInt(r.QueryID, 10)
}

// Fingerprint is the lowercase hex SHA-256 identity of a query invocation.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns a prefix suitable for log lines.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

var queryURLPrefixes = []string{
	"dune.com/queries/",
	"www.dune.com/queries/",
	"api.dune.com/api/v1/query/",
}

// Resolve classifies a raw query reference. Only an empty input is rejected;
// anything that is neither an ID nor a recognized Dune URL is treated as SQL.
func Resolve(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, &ValidationError{Field: "query", Message: "query must not be empty"}
	}
	if isDigits(trimmed) {
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return Reference{}, &ValidationError{Field: "query", Message: fmt.Sprintf("query id %q is out of range", trimmed)}
		}
		return Reference{Kind: KindNumericID, Raw: raw, QueryID: id}, nil
	}
	if id, ok := queryIDFromURL(trimmed); ok {
		return Reference{Kind: KindURL, Raw: raw, QueryID: id}, nil
	}
	return Reference{Kind: KindRawSQL, Raw: raw, SQL: NormalizeSQL(trimmed)}, nil
}

func queryIDFromURL(s string) (int64, bool) {
	rest := s
	switch {
	case strings.HasPrefix(rest, "https://"):
		rest = rest[len("https://"):]
	case strings.HasPrefix(rest, "http://"):
		rest = rest[len("http://"):]
	}
	for _, prefix := range queryURLPrefixes {
		if !strings.HasPrefix(rest, prefix) {
			continue
		}
		segment := rest[len(prefix):]
		if i := strings.IndexAny(segment, "/?#"); i >= 0 {
			segment = segment[:i]
		}
		if !isDigits(segment) {
			return 0, false
		}
		id, err := strconv.ParseInt(segment, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

var (
	showSchemasPattern = regexp.MustCompile(`(?is)^show\s+schemas(?:\s+like\s+('(?:[^']|'')*'))?\s*;?$`)
	showTablesPattern  = regexp.MustCompile(
		`(?is)^show\s+tables\s+(?:from|in)\s+([A-Za-z0-9_."]+)(?:\s+like\s+('(?:[^']|'')*'))?\s*;?$`,
	)
)

// NormalizeSQL trims the statement and rewrites SHOW SCHEMAS / SHOW TABLES into
// information_schema queries, which the execution API accepts.
func NormalizeSQL(sql string) string {
	s := strings.TrimSpace(sql)
	if m := showSchemasPattern.FindStringSubmatch(s); m != nil {
		out := "select schema_name as schema from information_schema.schemata"
		if m[1] != "" {
			out += " where schema_name LIKE " + m[1]
		}
		return out + " order by schema_name"
	}
	if m := showTablesPattern.FindStringSubmatch(s); m != nil {
		schema := strings.Trim(m[1], `"`)
		out := "select table_name as table from information_schema.tables where table_schema = '" +
			strings.ReplaceAll(schema, "'", "''") + "'"
		if m[2] != "" {
			out += " and table_name LIKE " + m[2]
		}
		return out + " order by table_name"
	}
	return s
}

// ComputeFingerprint derives the content identity of a reference. Raw SQL hashes the
// statement text; saved queries hash the decimal ID plus the canonical parameters.
func ComputeFingerprint(ref Reference, params map[string]any) Fingerprint {
	if ref.Kind == KindRawSQL {
		return Fingerprint(core.DigestString(ref.SQL))
	}
	var b strings.Builder
	b.WriteString(strconv.FormatInt(ref.QueryID, 10))
	if len(params) > 0 {
		b.Write(core.StableJSONBytes(params))
	}
	return Fingerprint(core.DigestString(b.String()))
}

// CacheKey scopes a fingerprint to one parameter set and engine tier.
func CacheKey(fp Fingerprint, params map[string]any, performance string) string {
	return core.DigestAny(map[string]any{
		"fingerprint": fp.String(),
		"parameters":  params,
		"performance": performance,
	})
}
