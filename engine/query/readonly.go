package query

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLit    = regexp.MustCompile(`'(?:[^']|'')*'`)
	leadingWord  = regexp.MustCompile(`^\(*\s*([A-Za-z]+)`)
	// Mutating keywords only count where a statement can begin: after ';', or
	// next to a parenthesis as in a CTE body or the statement following it.
	mutatingWord = regexp.MustCompile(
		`(?i)[;()]\s*(insert|update|delete|merge|create|drop|alter|truncate|grant|revoke|call|execute|refresh)\b`,
	)
)

var readOnlyLeaders = map[string]struct{}{
	"select":   {},
	"with":     {},
	"show":     {},
	"describe": {},
	"explain":  {},
	"values":   {},
	"table":    {},
}

// CheckReadOnly rejects statements that may mutate state. Comments and string
// literals are stripped before inspection.
func CheckReadOnly(sql string) error {
	s := blockComment.ReplaceAllString(sql, " ")
	s = lineComment.ReplaceAllString(s, " ")
	s = stringLit.ReplaceAllString(s, "''")
	s = strings.TrimSpace(s)
	m := leadingWord.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("%w: cannot determine statement type", ErrReadOnly)
	}
	if _, ok := readOnlyLeaders[strings.ToLower(m[1])]; !ok {
		return fmt.Errorf("%w: %s statements are not allowed", ErrReadOnly, strings.ToUpper(m[1]))
	}
	if m := mutatingWord.FindStringSubmatch(s); m != nil {
		return fmt.Errorf("%w: found %s", ErrReadOnly, strings.ToUpper(m[1]))
	}
	return nil
}
