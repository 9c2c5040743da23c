package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// emptyWasm is the smallest valid wasm binary: magic and version only.
// Enough for CompileModule; manager tests never instantiate it.
var emptyWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type fakeInterpreter struct {
	moduleCalls atomic.Int32
	moduleErr   error
	blockInit   chan struct{} // if set, Module blocks until closed
}

func (f *fakeInterpreter) Name() string { return "fake" }

func (f *fakeInterpreter) Module() ([]byte, error) {
	f.moduleCalls.Add(1)
	if f.blockInit != nil {
		<-f.blockInit
	}
	if f.moduleErr != nil {
		return nil, f.moduleErr
	}
	return emptyWasm, nil
}

func (f *fakeInterpreter) Prelude() string { return "" }

func (f *fakeInterpreter) Args(prelude string) []string { return []string{"fake"} }

func (f *fakeInterpreter) Env() map[string]string { return nil }

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ScratchDir:   filepath.Join(t.TempDir(), "scratch"),
		StartTimeout: 5 * time.Second,
	}
}

func TestManagerInitializesOnce(t *testing.T) {
	interp := &fakeInterpreter{}
	m := NewManager(interp, testConfig(t), nil)
	defer m.Close()

	if m.Ready() {
		t.Fatal("ready before first Acquire")
	}

	const callers = 16
	var wg sync.WaitGroup
	handles := make([]*Handle, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Errorf("caller %d got a different handle", i)
		}
	}
	if got := interp.moduleCalls.Load(); got != 1 {
		t.Errorf("Module() called %d times, want 1", got)
	}
	if !m.Ready() {
		t.Error("not ready after successful Acquire")
	}
	if m.State() != StateReady {
		t.Errorf("state = %v, want ready", m.State())
	}
}

func TestManagerInitFailureSharedAndRetryable(t *testing.T) {
	interp := &fakeInterpreter{moduleErr: errors.New("image missing")}
	m := NewManager(interp, testConfig(t), nil)
	defer m.Close()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d: expected error", i)
		}
	}
	if m.Ready() {
		t.Error("ready after failed init")
	}
	if m.State() != StateFailed {
		t.Errorf("state = %v, want failed", m.State())
	}

	// A later caller retries from scratch and can succeed.
	interp.moduleErr = nil
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !m.Ready() {
		t.Error("not ready after successful retry")
	}
}

func TestManagerAcquireDetachesOnContextExpiry(t *testing.T) {
	interp := &fakeInterpreter{blockInit: make(chan struct{})}
	m := NewManager(interp, testConfig(t), nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// Initialization keeps going in the background and completes.
	close(interp.blockInit)
	deadline := time.Now().Add(5 * time.Second)
	for !m.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("initialization did not complete after detach")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("post-detach Acquire: %v", err)
	}
	if got := interp.moduleCalls.Load(); got != 1 {
		t.Errorf("Module() called %d times, want 1", got)
	}
}

func TestManagerLateCallerReusesReadyHandle(t *testing.T) {
	interp := &fakeInterpreter{}
	m := NewManager(interp, testConfig(t), nil)
	defer m.Close()

	first, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A caller that saw the manager not ready, then lost the race with
	// the finishing initialization, lands here: a fresh singleflight
	// call after the ready transition. It must return the existing
	// handle, not bootstrap again.
	h, err := m.initOnce()
	if err != nil {
		t.Fatalf("initOnce: %v", err)
	}
	if h != first {
		t.Error("late caller got a different handle")
	}
	if got := interp.moduleCalls.Load(); got != 1 {
		t.Errorf("Module() called %d times, want 1", got)
	}
	if m.State() != StateReady {
		t.Errorf("state = %v, want ready", m.State())
	}
}

func TestManagerCompilationCacheDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")

	m := NewManager(&fakeInterpreter{}, cfg, nil)
	defer m.Close()

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.cache == nil {
		t.Error("compilation cache not created")
	}
}

func TestManagerCloseResetsState(t *testing.T) {
	m := NewManager(&fakeInterpreter{}, testConfig(t), nil)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.State() != StateUninitialized {
		t.Errorf("state after Close = %v, want uninitialized", m.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUninitialized: "uninitialized",
		StateInitializing:  "initializing",
		StateReady:         "ready",
		StateFailed:        "failed",
		State(99):          "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
