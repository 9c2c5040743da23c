package main

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/rwasmd/rwasmd/rlang"
	"github.com/rwasmd/rwasmd/runtime"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rwasmd [file]",
	Short: "Run R code in a WebAssembly sandbox",
	Long: `rwasmd - Execute R code safely inside a WebAssembly build of R.

The interpreter image is compiled once and cached; each execution gets a
fresh module instance with a private environment and a scratch directory
for plot output. Run code from files, inline strings, or stdin, start an
interactive REPL, or serve an HTTP execution API.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun, // Default to run command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("wasm", defaultWasmPath(), "Path to the R WASM image")
	rootCmd.PersistentFlags().String("scratch", defaultScratchDir(), "Host scratch directory mounted at /tmp in the guest")
	rootCmd.PersistentFlags().String("library", "", "Host R library directory mounted read-only at /library")
	rootCmd.PersistentFlags().StringSlice("extension", nil, "R package to load at startup (repeatable)")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

func newLogger(cmd *cobra.Command) *log.Logger {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := log.ParseLevel(levelName)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "rwasmd",
	})
}

func buildManager(cmd *cobra.Command, logger *log.Logger) *runtime.Manager {
	wasmPath, _ := cmd.Flags().GetString("wasm")
	scratch, _ := cmd.Flags().GetString("scratch")
	library, _ := cmd.Flags().GetString("library")
	extensions, _ := cmd.Flags().GetStringSlice("extension")
	noCache, _ := cmd.Flags().GetBool("no-cache")

	cfg := runtime.Config{
		ScratchDir: scratch,
		LibraryDir: library,
		Extensions: extensions,
	}
	if !noCache {
		cfg.CacheDir = defaultCacheDir()
	}
	return runtime.NewManager(rlang.New(rlang.Config{WasmPath: wasmPath}), cfg, logger)
}

func defaultWasmPath() string {
	if p := os.Getenv("RWASMD_WASM"); p != "" {
		return p
	}
	return filepath.Join(".rwasmd", "R.wasm")
}

func defaultScratchDir() string {
	return filepath.Join(os.TempDir(), "rwasmd-scratch")
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "rwasmd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "rwasmd")
	}
	return filepath.Join(os.TempDir(), "rwasmd-cache")
}
