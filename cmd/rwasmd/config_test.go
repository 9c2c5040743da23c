package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadServeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen: ":9090"
wasm_path: /opt/rwasmd/R.wasm
scratch_dir: /var/lib/rwasmd/scratch
extensions:
  - ggplot2
  - jsonlite
timeout_seconds: 120
max_body_bytes: 2097152
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadServeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.WasmPath != "/opt/rwasmd/R.wasm" {
		t.Errorf("WasmPath = %q", cfg.WasmPath)
	}
	if !reflect.DeepEqual(cfg.Extensions, []string{"ggplot2", "jsonlite"}) {
		t.Errorf("Extensions = %v", cfg.Extensions)
	}
	if cfg.TimeoutSeconds != 120 {
		t.Errorf("TimeoutSeconds = %d", cfg.TimeoutSeconds)
	}
	if cfg.MaxBodyBytes != 2097152 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
}

func TestLoadServeConfigExplicitMissing(t *testing.T) {
	_, err := loadServeConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("explicitly named missing file must error")
	}
}

func TestLoadServeConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [not a string"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadServeConfig(path); err == nil {
		t.Error("invalid yaml must error")
	}
}
