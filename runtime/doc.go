// Package runtime owns the lifecycle of the shared R WebAssembly
// interpreter: exactly-once lazy compilation of the image, per-request
// execution sessions, and the stdio protocol between the host and the
// guest prelude.
package runtime
