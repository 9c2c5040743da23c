package runtime

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tetratelabs/wazero/api"
)

// ErrSessionClosed is returned by Run and ReadFile after Close.
var ErrSessionClosed = errors.New("session closed")

// EvalResult is the raw outcome of one evaluation inside a session.
// R-level warnings and errors are carried as Events, not as a Go error;
// the error return of Run covers transport faults and cancellation only.
type EvalResult struct {
	Stdout        string
	Stderr        string
	Events        []Event
	ArtifactPaths []string
	Duration      time.Duration
}

// Session is one request's isolated evaluation scope: a private instance
// of the compiled interpreter module with its own stdio pipes. While a
// session is open it holds the runtime's single evaluation slot; Close
// releases the slot and is safe to call more than once.
type Session struct {
	logger *log.Logger

	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	stdout      *captureBuffer
	proto       *protocolHandler

	module       api.Module
	cancelModule context.CancelFunc
	releaseSlot  func()

	mu     sync.Mutex
	execMu sync.Mutex
	closed bool
}

// Run evaluates the composed source as one block inside the session and
// returns the captured output and events. A cancelled or expired context
// returns the partial result together with the context's error; the
// session must then be closed, as the guest may still be evaluating.
func (s *Session) Run(ctx context.Context, source string) (EvalResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	start := time.Now()
	if s.isClosed() {
		return EvalResult{}, ErrSessionClosed
	}

	s.stdout.Reset()
	s.proto.ResetExec()

	if err := s.send("exec", source); err != nil {
		return s.snapshot(start), fmt.Errorf("write command: %w", err)
	}

	select {
	case <-ctx.Done():
		return s.snapshot(start), ctx.Err()
	case <-s.proto.Done():
		res := s.snapshot(start)
		for _, ev := range res.Events {
			if ev.Kind == EventArtifacts {
				res.ArtifactPaths = append(res.ArtifactPaths, ev.Paths...)
			}
		}
		return res, nil
	}
}

// ReadFile asks the guest to read a file from its own filesystem and
// returns the raw bytes. The read runs as a narrow evaluation inside the
// session, so it sees exactly the files the session's execution produced.
func (s *Session) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	s.proto.ResetExec()
	if err := s.send("read", path); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.proto.Done():
		for _, ev := range s.proto.Events() {
			switch ev.Kind {
			case EventFile:
				return hex.DecodeString(ev.Data)
			case EventFileError:
				return nil, errors.New(ev.Text)
			}
		}
		return nil, fmt.Errorf("read %s: no data returned", path)
	}
}

// Close tears down the session: pipes first so the guest sees EOF, then
// the module instance, then the evaluation slot. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	module := s.module
	s.mu.Unlock()

	if s.stdinReader != nil {
		s.stdinReader.Close()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cancelModule != nil {
		s.cancelModule()
	}
	if module != nil {
		module.Close(context.Background())
	}
	if s.releaseSlot != nil {
		s.releaseSlot()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setModule(mod api.Module) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		mod.Close(context.Background())
		return
	}
	s.module = mod
	s.mu.Unlock()
}

// send frames a command for the guest: a "<op> <byte-count>" header line
// followed by exactly that many payload bytes.
func (s *Session) send(op, payload string) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d\n", op, len(payload))
	b.WriteString(payload)
	_, err := s.stdin.Write(b.Bytes())
	return err
}

func (s *Session) snapshot(start time.Time) EvalResult {
	return EvalResult{
		Stdout:   s.stdout.String(),
		Stderr:   s.proto.Stderr(),
		Events:   s.proto.Events(),
		Duration: time.Since(start),
	}
}

type captureBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func newCaptureBuffer() *captureBuffer {
	return &captureBuffer{}
}

func (b *captureBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(data)
}

func (b *captureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *captureBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
