package runtime

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// Wire protocol between the guest prelude and the host. The prelude writes
// sentinels and event messages to stderr; anything else on stderr is user
// output and passes through untouched.
//
// Format: \x1eRWD_READY\x1e once at startup, \x1eRWD_DONE\x1e after each
// command, and \x1eRWD:{json}\x1e for structured events in between. The
// record separator is used instead of NUL because R strings cannot carry
// embedded NUL bytes.
const (
	protocolMark        = "\x1eRWD"
	protocolReadySignal = "\x1eRWD_READY\x1e"
	protocolDoneSignal  = "\x1eRWD_DONE\x1e"
	protocolEventPrefix = "\x1eRWD:"
	protocolSuffix      = "\x1e"
)

// EventKind classifies a structured event reported by the guest prelude.
type EventKind string

const (
	// EventWarning is a captured R warning condition.
	EventWarning EventKind = "warning"
	// EventError is a captured R error condition.
	EventError EventKind = "error"
	// EventArtifacts lists the artifact files present after an execution.
	EventArtifacts EventKind = "artifacts"
	// EventFile carries hex-encoded file contents for a read command.
	EventFile EventKind = "file"
	// EventFileError reports a failed read command.
	EventFileError EventKind = "file_error"
)

// Event is one structured message from the guest.
type Event struct {
	Kind  EventKind `json:"type"`
	Text  string    `json:"text,omitempty"`
	Paths []string  `json:"paths,omitempty"`
	Data  string    `json:"data,omitempty"`
}

// protocolHandler intercepts the guest's stderr stream. Protocol messages
// become signals and events; everything else accumulates as real stderr.
type protocolHandler struct {
	buf        bytes.Buffer
	realStderr bytes.Buffer
	events     []Event

	readyCh chan struct{}
	doneCh  chan struct{}
	ready   bool

	mu sync.Mutex
}

func newProtocolHandler() *protocolHandler {
	return &protocolHandler{
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}, 1),
	}
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for p.step() {
	}
	return len(data), nil
}

// step consumes one protocol token or one run of plain stderr from the
// buffer. Returns false when the buffer holds no complete token.
func (p *protocolHandler) step() bool {
	content := p.buf.String()
	if content == "" {
		return false
	}

	idx := strings.Index(content, protocolMark)
	if idx == -1 {
		// Flush plain stderr, but hold back a tail that could be the
		// start of a mark split across writes.
		keep := partialMarkLen(content)
		p.realStderr.WriteString(content[:len(content)-keep])
		p.setBuf(content[len(content)-keep:])
		return false
	}
	if idx > 0 {
		p.realStderr.WriteString(content[:idx])
		p.setBuf(content[idx:])
		return true
	}

	switch {
	case strings.HasPrefix(content, protocolReadySignal):
		p.setBuf(content[len(protocolReadySignal):])
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
		return true

	case strings.HasPrefix(content, protocolDoneSignal):
		p.setBuf(content[len(protocolDoneSignal):])
		select {
		case p.doneCh <- struct{}{}:
		default:
		}
		return true

	case strings.HasPrefix(content, protocolEventPrefix):
		rest := content[len(protocolEventPrefix):]
		end := strings.Index(rest, protocolSuffix)
		if end == -1 {
			return false // message still arriving
		}
		payload := rest[:end]
		p.setBuf(rest[end+len(protocolSuffix):])

		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			p.realStderr.WriteString(payload)
			return true
		}
		p.events = append(p.events, ev)
		return true
	}

	// Starts with the mark but matches no token yet. If it can still grow
	// into one, wait for more bytes; otherwise it is ordinary output.
	if len(content) < len(protocolReadySignal) &&
		(strings.HasPrefix(protocolReadySignal, content) ||
			strings.HasPrefix(protocolDoneSignal, content)) {
		return false
	}
	p.realStderr.WriteByte(content[0])
	p.setBuf(content[1:])
	return true
}

func (p *protocolHandler) setBuf(s string) {
	p.buf.Reset()
	p.buf.WriteString(s)
}

// partialMarkLen returns the length of the longest suffix of content that
// is a proper prefix of the protocol mark.
func partialMarkLen(content string) int {
	max := len(protocolMark) - 1
	if max > len(content) {
		max = len(content)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(protocolMark, content[len(content)-n:]) {
			return n
		}
	}
	return 0
}

// Ready is closed once the guest prelude has signalled startup.
func (p *protocolHandler) Ready() <-chan struct{} {
	return p.readyCh
}

// Done receives one value per completed guest command.
func (p *protocolHandler) Done() <-chan struct{} {
	return p.doneCh
}

// ResetExec clears per-command state before a new command is sent.
func (p *protocolHandler) ResetExec() {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.doneCh:
	default:
	}
	p.events = nil
	p.realStderr.Reset()
}

// Events returns a copy of the events captured since the last ResetExec.
func (p *protocolHandler) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Stderr returns the non-protocol stderr captured since the last ResetExec.
func (p *protocolHandler) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realStderr.String()
}
