// Package output reduces a session's raw capture into a console
// transcript and a classified diagnostics list.
package output

import (
	"strings"

	"github.com/rwasmd/rwasmd/runtime"
)

// DiagKind classifies a diagnostic.
type DiagKind int

const (
	Warning DiagKind = iota
	Error
)

// Diagnostic is one warning or error signal raised during evaluation.
type Diagnostic struct {
	Kind    DiagKind
	Message string
}

// Result is the collected view of one evaluation.
type Result struct {
	// Transcript holds stdout verbatim, followed by marked stderr lines
	// and marked warnings.
	Transcript string
	// Diagnostics lists warnings and errors in the order captured.
	Diagnostics []Diagnostic
	// ErrorText concatenates error diagnostics, one per line. Empty when
	// Success is true.
	ErrorText string
	// Success is false exactly when at least one error was captured.
	Success bool
}

// Collect partitions the raw evaluation capture. Stdout appends to the
// transcript verbatim; stderr lines and warnings append with
// distinguishing markers and never affect the success flag; errors flip
// it and populate ErrorText.
func Collect(res runtime.EvalResult) Result {
	out := Result{Success: true}

	var transcript strings.Builder
	transcript.WriteString(res.Stdout)

	for _, line := range splitLines(res.Stderr) {
		transcript.WriteString("[stderr] ")
		transcript.WriteString(line)
		transcript.WriteByte('\n')
	}

	var errs []string
	for _, ev := range res.Events {
		switch ev.Kind {
		case runtime.EventWarning:
			out.Diagnostics = append(out.Diagnostics, Diagnostic{Kind: Warning, Message: ev.Text})
			transcript.WriteString("Warning: ")
			transcript.WriteString(ev.Text)
			transcript.WriteByte('\n')
		case runtime.EventError:
			out.Diagnostics = append(out.Diagnostics, Diagnostic{Kind: Error, Message: ev.Text})
			errs = append(errs, ev.Text)
		}
	}

	out.Transcript = transcript.String()
	if len(errs) > 0 {
		out.ErrorText = strings.Join(errs, "\n")
		out.Success = false
	}
	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}
