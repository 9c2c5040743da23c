// Package service sequences one execute request: acquire the runtime,
// open a session, inject data, evaluate, collect output, extract
// artifacts, and always close the session before the response goes out.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rwasmd/rwasmd/artifact"
	"github.com/rwasmd/rwasmd/marshal"
	"github.com/rwasmd/rwasmd/output"
	"github.com/rwasmd/rwasmd/runtime"
)

var (
	// ErrNoCode rejects a request before any runtime interaction.
	ErrNoCode = errors.New("code is required")
	// ErrTimeout marks a request that exceeded its execution budget.
	ErrTimeout = errors.New("execution timed out")
)

// Engine is the runtime surface the orchestrator needs.
// *runtime.Manager is the production implementation.
type Engine interface {
	OpenSession(ctx context.Context) (Session, error)
	Ready() bool
}

// Session is one request's evaluation scope.
type Session interface {
	Run(ctx context.Context, source string) (runtime.EvalResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Config tunes per-request behavior.
type Config struct {
	// Timeout is the wall-clock budget per request. Defaults to 60s,
	// matching what the service's clients budget for.
	Timeout time.Duration
	// DataVar is the variable name the injected data.frame is bound to.
	// Defaults to "query_result".
	DataVar string
}

// Request is one execute call.
type Request struct {
	Code string           `json:"code"`
	Data []map[string]any `json:"data,omitempty"`
}

// Response is the assembled result of one execute call.
type Response struct {
	Success         bool     `json:"success"`
	Output          string   `json:"output"`
	Artifacts       []string `json:"artifacts"`
	Error           *string  `json:"error"`
	ExecutionTimeMs int64    `json:"executionTimeMs"`
}

// Health is the non-blocking status snapshot.
type Health struct {
	Status        string `json:"status"`
	RuntimeReady  bool   `json:"runtimeReady"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// Service orchestrates request execution against a shared runtime.
type Service struct {
	eng    Engine
	cfg    Config
	logger *log.Logger
	start  time.Time
}

// New builds a Service on top of a runtime manager.
func New(m *runtime.Manager, cfg Config, logger *log.Logger) *Service {
	return newService(managerEngine{m}, cfg, logger)
}

func newService(eng Engine, cfg Config, logger *log.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.DataVar == "" {
		cfg.DataVar = "query_result"
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Service{eng: eng, cfg: cfg, logger: logger, start: time.Now()}
}

type managerEngine struct {
	m *runtime.Manager
}

func (e managerEngine) OpenSession(ctx context.Context) (Session, error) {
	s, err := e.m.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e managerEngine) Ready() bool {
	return e.m.Ready()
}

// Execute runs one request end to end. The returned error classifies the
// failure mode: ErrNoCode for invalid input, ErrTimeout for a blown
// budget (the Response still carries the partial transcript), any other
// error for internal faults. A nil error means the Response is
// well-formed even when the evaluation itself failed.
func (s *Service) Execute(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	if strings.TrimSpace(req.Code) == "" {
		return Response{}, ErrNoCode
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	sess, err := s.eng.OpenSession(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	source := marshal.FrameSource(s.cfg.DataVar, req.Data) + req.Code

	res, err := sess.Run(ctx, source)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			msg := fmt.Sprintf("execution timed out after %v", s.cfg.Timeout)
			col := output.Collect(res)
			s.logger.Warn("execution timed out", "timeout", s.cfg.Timeout)
			return Response{
				Success:         false,
				Output:          col.Transcript,
				Artifacts:       []string{},
				Error:           &msg,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
			}, ErrTimeout
		}
		return Response{}, fmt.Errorf("evaluate: %w", err)
	}

	col := output.Collect(res)
	resp := Response{
		Success:   col.Success,
		Output:    col.Transcript,
		Artifacts: []string{},
	}
	if col.Success {
		resp.Artifacts = artifact.Extract(ctx, sess, runtime.GuestScratchDir, res.ArtifactPaths, s.logger)
	} else {
		errText := col.ErrorText
		resp.Error = &errText
	}
	resp.ExecutionTimeMs = time.Since(start).Milliseconds()

	s.logger.Debug("execute finished",
		"success", resp.Success,
		"artifacts", len(resp.Artifacts),
		"elapsed", time.Since(start))
	return resp, nil
}

// HealthCheck reports status from the non-blocking readiness probe.
// It never triggers initialization.
func (s *Service) HealthCheck() Health {
	return Health{
		Status:        "ok",
		RuntimeReady:  s.eng.Ready(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
	}
}
