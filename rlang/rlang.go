// Package rlang provides the R interpreter adapter: a webR WebAssembly
// image loaded from disk plus the guest prelude that drives it.
package rlang

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/rwasmd/rwasmd/runtime"
)

//go:embed prelude.R
var prelude string

// Config locates the interpreter image.
type Config struct {
	// WasmPath is the path to the R WASM image (see `rwasmd deps image`).
	WasmPath string
}

// R implements runtime.Interpreter for a webR build.
type R struct {
	cfg Config

	once sync.Once
	wasm []byte
	err  error
}

// New returns an R adapter. The image is not read until first use.
func New(cfg Config) *R {
	return &R{cfg: cfg}
}

// Name returns "r".
func (r *R) Name() string {
	return "r"
}

// Module returns the R WASM image, reading it from disk once.
func (r *R) Module() ([]byte, error) {
	r.once.Do(func() {
		r.wasm, r.err = os.ReadFile(r.cfg.WasmPath)
		if r.err != nil {
			r.err = fmt.Errorf("read R image %s: %w", r.cfg.WasmPath, r.err)
		}
	})
	return r.wasm, r.err
}

// Prelude returns the embedded guest session loop.
func (r *R) Prelude() string {
	return prelude
}

// Args returns the command line starting R with the given prelude.
func (r *R) Args(prelude string) []string {
	return []string{"R", "--quiet", "--no-save", "--no-echo", "-e", prelude}
}

// Env exports the guest library path and a writable home.
func (r *R) Env() map[string]string {
	return map[string]string{
		"HOME":   runtime.GuestScratchDir,
		"R_LIBS": runtime.GuestLibraryDir,
	}
}
