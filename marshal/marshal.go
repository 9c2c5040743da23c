// Package marshal translates client-supplied tabular records into R
// source text that builds an equivalent data.frame. This is the only
// point where untrusted request data is interpolated into interpreter
// source: identifiers are sanitized and values become escaped literals,
// never raw text.
package marshal

import (
	"sort"
	"strconv"
	"strings"
)

// Kind tags a scalar value. Anything a JSON payload can hold beyond
// these four kinds collapses to Null, the fail-safe default.
type Kind int

const (
	Null Kind = iota
	String
	Number
	Bool
)

// Value is one scalar cell of a tabular payload.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
}

// FromJSON classifies a json.Unmarshal-produced scalar.
func FromJSON(v any) Value {
	switch x := v.(type) {
	case string:
		return Value{Kind: String, Str: x}
	case float64:
		return Value{Kind: Number, Num: x}
	case bool:
		return Value{Kind: Bool, Bool: x}
	default:
		return Value{Kind: Null}
	}
}

// Literal renders the value as R source.
func (v Value) Literal() string {
	switch v.Kind {
	case String:
		return QuoteString(v.Str)
	case Number:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case Bool:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	}
	return "NA"
}

// QuoteString renders s as a double-quoted R string literal with
// backslash, quote, and line-break characters escaped.
func QuoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// SanitizeIdentifier replaces every character outside [A-Za-z0-9_] with
// an underscore, closing off identifier-position injection.
func SanitizeIdentifier(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FrameSource emits R source assigning a data.frame equivalent to rows
// to the sanitized variable name. The column set is taken from the first
// record; columns are emitted in sorted order so generation is
// deterministic regardless of map iteration. An empty payload emits no
// source at all.
func FrameSource(name string, rows []map[string]any) string {
	if len(rows) == 0 {
		return ""
	}

	cols := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString(SanitizeIdentifier(name))
	b.WriteString(" <- data.frame(\n")
	for _, col := range cols {
		b.WriteString("  `")
		b.WriteString(SanitizeIdentifier(col))
		b.WriteString("` = c(")
		for i, row := range rows {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(FromJSON(row[col]).Literal())
		}
		b.WriteString("),\n")
	}
	b.WriteString("  stringsAsFactors = FALSE,\n")
	b.WriteString("  check.names = FALSE\n)\n")
	return b.String()
}
