package marshal

import (
	"strings"
	"testing"
)

func TestLiteral(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"hello", `"hello"`},
		{float64(42), "42"},
		{float64(3.14), "3.14"},
		{float64(-0.5), "-0.5"},
		{float64(1e21), "1e+21"},
		{true, "TRUE"},
		{false, "FALSE"},
		{nil, "NA"},
		{[]any{"nested"}, "NA"},
		{map[string]any{"k": "v"}, "NA"},
	}
	for _, tc := range cases {
		if got := FromJSON(tc.in).Literal(); got != tc.want {
			t.Errorf("Literal(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestQuoteString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", `"plain"`},
		{"", `""`},
		{`back\slash`, `"back\\slash"`},
		{`say "hi"`, `"say \"hi\""`},
		{"line\nbreak", `"line\nbreak"`},
		{"cr\rtab\t", `"cr\rtab\t"`},
		{`"); system("id"); ("`, `"\"); system(\"id\"); (\""`},
		{"unicodé ✓", `"unicodé ✓"`},
	}
	for _, tc := range cases {
		if got := QuoteString(tc.in); got != tc.want {
			t.Errorf("QuoteString(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain_name", "plain_name"},
		{"col 1", "col_1"},
		{"a-b.c", "a_b_c"},
		{"`) ; q(", "_____q_"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SanitizeIdentifier(tc.in); got != tc.want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFrameSourceEmpty(t *testing.T) {
	if got := FrameSource("query_result", nil); got != "" {
		t.Errorf("FrameSource(nil) = %q, want empty", got)
	}
	if got := FrameSource("query_result", []map[string]any{}); got != "" {
		t.Errorf("FrameSource(empty) = %q, want empty", got)
	}
}

func TestFrameSource(t *testing.T) {
	rows := []map[string]any{
		{"name": "alice", "count": float64(3), "active": true},
		{"name": "bob", "count": float64(7), "active": false},
	}

	got := FrameSource("query_result", rows)
	want := "query_result <- data.frame(\n" +
		"  `active` = c(TRUE, FALSE),\n" +
		"  `count` = c(3, 7),\n" +
		"  `name` = c(\"alice\", \"bob\"),\n" +
		"  stringsAsFactors = FALSE,\n" +
		"  check.names = FALSE\n)\n"
	if got != want {
		t.Errorf("FrameSource =\n%s\nwant\n%s", got, want)
	}
}

func TestFrameSourceDeterministic(t *testing.T) {
	rows := []map[string]any{
		{"z": float64(1), "a": float64(2), "m": float64(3)},
	}
	first := FrameSource("d", rows)
	for i := 0; i < 10; i++ {
		if got := FrameSource("d", rows); got != first {
			t.Fatalf("output varies between calls:\n%s\nvs\n%s", got, first)
		}
	}
	if !strings.Contains(first, "`a` = c(2),\n  `m` = c(3),\n  `z` = c(1)") {
		t.Errorf("columns not in sorted order:\n%s", first)
	}
}

func TestFrameSourceMissingAndExtraKeys(t *testing.T) {
	// Columns come from the first record; later records may miss keys
	// (NA) or carry extras (ignored).
	rows := []map[string]any{
		{"a": float64(1), "b": "x"},
		{"a": float64(2), "extra": "dropped"},
	}
	got := FrameSource("d", rows)
	if !strings.Contains(got, "`a` = c(1, 2)") {
		t.Errorf("column a wrong:\n%s", got)
	}
	if !strings.Contains(got, "`b` = c(\"x\", NA)") {
		t.Errorf("missing key should become NA:\n%s", got)
	}
	if strings.Contains(got, "extra") {
		t.Errorf("extra key leaked:\n%s", got)
	}
}

func TestFrameSourceSanitizesNames(t *testing.T) {
	rows := []map[string]any{{"bad col; q()": "v"}}
	got := FrameSource("my result", rows)
	if !strings.HasPrefix(got, "my_result <- data.frame(") {
		t.Errorf("variable name not sanitized:\n%s", got)
	}
	if !strings.Contains(got, "`bad_col__q__` = c(\"v\")") {
		t.Errorf("column name not sanitized:\n%s", got)
	}
}
