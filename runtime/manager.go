package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rwasmd/rwasmd/marshal"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of the shared interpreter.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Config holds the runtime's filesystem layout and timing knobs.
type Config struct {
	// ScratchDir is the host directory mounted read-write at /tmp in the
	// guest. Created on first initialization if absent.
	ScratchDir string
	// LibraryDir, if set, is mounted read-only at /library and exported
	// to the guest as the R library path.
	LibraryDir string
	// Extensions lists R packages probed, in order, during initialization.
	// A package that fails to load is logged and skipped.
	Extensions []string
	// CacheDir enables wazero's compilation disk cache when non-empty.
	CacheDir string
	// StartTimeout bounds session instantiation and each extension probe.
	StartTimeout time.Duration
}

// Handle is the compiled, ready-to-instantiate interpreter. One exists
// per process; it is owned by the Manager for the process lifetime.
type Handle struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cache    wazero.CompilationCache
}

// Manager owns the shared interpreter's lifecycle: lazy exactly-once
// initialization with single-flight coordination, the non-blocking
// readiness probe, and the capacity-1 evaluation slot sessions queue on.
type Manager struct {
	interp Interpreter
	cfg    Config
	logger *log.Logger

	group singleflight.Group
	slot  *semaphore.Weighted

	mu     sync.Mutex
	state  State
	handle *Handle
}

// NewManager creates a Manager. Initialization does not start until the
// first Acquire or OpenSession.
func NewManager(interp Interpreter, cfg Config, logger *log.Logger) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{
		interp: interp,
		cfg:    cfg,
		logger: logger,
		slot:   semaphore.NewWeighted(1),
	}
}

// State returns the current lifecycle state without blocking.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether the interpreter is initialized. Never triggers
// initialization; health probes read this.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// Acquire returns the ready handle, initializing on first demand. Callers
// arriving during an in-flight initialization attach to it and observe
// the same outcome. On failure every attached caller gets the error and
// a later Acquire retries from scratch. A caller whose context expires
// detaches with the context error; initialization itself continues.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	if m.state == StateReady {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("init", func() (any, error) {
		return m.initOnce()
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

// OpenSession acquires the ready handle, waits for the single evaluation
// slot (FIFO), and starts a fresh module instance for one request.
func (m *Manager) OpenSession(ctx context.Context) (*Session, error) {
	h, err := m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	s := m.newSession(func() {
		once.Do(func() { m.slot.Release(1) })
	})
	if err := m.startSession(ctx, s, h); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the compiled interpreter. Intended for process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.state = StateUninitialized
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	ctx := context.Background()
	err := h.runtime.Close(ctx)
	if h.cache != nil {
		if cerr := h.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// initOnce re-checks readiness before bootstrapping. A caller can pass
// the not-ready check in Acquire, lose the race with an in-flight
// initialization finishing, and then start a fresh singleflight call;
// without this check that call would compile the image a second time
// and orphan the previous handle.
func (m *Manager) initOnce() (*Handle, error) {
	m.mu.Lock()
	if m.state == StateReady {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()
	return m.bootstrap()
}

func (m *Manager) bootstrap() (*Handle, error) {
	m.setState(StateInitializing)
	m.logger.Info("initializing interpreter", "name", m.interp.Name())
	start := time.Now()

	h, err := m.buildHandle(context.Background())
	if err != nil {
		m.setState(StateFailed)
		m.logger.Error("interpreter initialization failed", "err", err)
		return nil, err
	}

	m.probeExtensions(h)

	m.mu.Lock()
	m.handle = h
	m.state = StateReady
	m.mu.Unlock()
	m.logger.Info("interpreter ready", "elapsed", time.Since(start))
	return h, nil
}

func (m *Manager) buildHandle(ctx context.Context) (*Handle, error) {
	wasm, err := m.interp.Module()
	if err != nil {
		return nil, fmt.Errorf("load interpreter image: %w", err)
	}
	if err := os.MkdirAll(m.cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)

	var cache wazero.CompilationCache
	if m.cfg.CacheDir != "" {
		cache, err = wazero.NewCompilationCacheWithDir(m.cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
		rtCfg = rtCfg.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("compile %s: %w", m.interp.Name(), err)
	}

	return &Handle{runtime: rt, compiled: compiled, cache: cache}, nil
}

// probeExtensions loads each configured package once, in declaration
// order, inside a throwaway session. One package failing does not stop
// the rest and never fails initialization.
func (m *Manager) probeExtensions(h *Handle) {
	if len(m.cfg.Extensions) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
	defer cancel()

	s := m.newSession(nil)
	if err := m.startSession(ctx, s, h); err != nil {
		m.logger.Warn("extension probe session failed", "err", err)
		return
	}
	defer s.Close()

	for _, ext := range m.cfg.Extensions {
		name := marshal.SanitizeIdentifier(ext)
		probeCtx, probeCancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
		res, err := s.Run(probeCtx, fmt.Sprintf("suppressPackageStartupMessages(library(%s))", name))
		probeCancel()
		if err != nil {
			m.logger.Warn("extension load failed", "package", ext, "err", err)
			return // session is gone; remaining packages load on demand
		}
		failed := false
		for _, ev := range res.Events {
			if ev.Kind == EventError {
				failed = true
				m.logger.Warn("extension load failed", "package", ext, "err", ev.Text)
			}
		}
		if !failed {
			m.logger.Info("extension loaded", "package", ext)
		}
	}
}

func (m *Manager) newSession(release func()) *Session {
	stdinReader, stdinWriter := io.Pipe()
	return &Session{
		logger:      m.logger,
		stdin:       stdinWriter,
		stdinReader: stdinReader,
		stdout:      newCaptureBuffer(),
		proto:       newProtocolHandler(),
		releaseSlot: release,
	}
}

func (m *Manager) startSession(ctx context.Context, s *Session, h *Handle) error {
	moduleCtx, cancel := context.WithCancel(context.Background())
	s.cancelModule = cancel

	fsCfg := wazero.NewFSConfig().WithDirMount(m.cfg.ScratchDir, GuestScratchDir)
	if m.cfg.LibraryDir != "" {
		fsCfg = fsCfg.WithReadOnlyDirMount(m.cfg.LibraryDir, GuestLibraryDir)
	}

	modCfg := wazero.NewModuleConfig().
		WithStdout(s.stdout).
		WithStderr(s.proto).
		WithStdin(s.stdinReader).
		WithArgs(m.interp.Args(m.interp.Prelude())...).
		WithFSConfig(fsCfg).
		WithName("")
	env := m.interp.Env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		modCfg = modCfg.WithEnv(k, env[k])
	}

	go func() {
		mod, err := h.runtime.InstantiateModule(moduleCtx, h.compiled, modCfg)
		if err != nil {
			m.logger.Debug("module instance exited", "err", err)
			return
		}
		s.setModule(mod)
	}()

	select {
	case <-s.proto.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.StartTimeout):
		return errors.New("session start timeout")
	}
}
