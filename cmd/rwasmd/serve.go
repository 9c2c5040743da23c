package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rwasmd/rwasmd/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution server",
	Long: `Start an HTTP server that executes R code.

Endpoints:
  POST /api/execute   Execute R code, optionally with injected tabular data
  GET  /api/health    Readiness probe (never triggers initialization)

The interpreter initializes lazily on the first execute request unless
--warm is given. Authentication and CORS are expected to be handled by a
fronting proxy.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("timeout", 60*time.Second, "Execution timeout per request")
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().Int64("max-body", 1024*1024, "Max request body size in bytes")
	serveCmd.Flags().Bool("warm", false, "Initialize the interpreter at startup instead of on first request")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	logger := newLogger(cmd)

	cfgPath, _ := cmd.Flags().GetString("config")
	fileCfg, err := loadServeConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFileConfig(cmd, fileCfg)

	port, _ := cmd.Flags().GetInt("port")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	warm, _ := cmd.Flags().GetBool("warm")

	addr := fmt.Sprintf(":%d", port)
	if fileCfg.Listen != "" && !cmd.Flags().Changed("port") {
		addr = fileCfg.Listen
	}

	mgr := buildManager(cmd, logger)
	defer mgr.Close()

	svc := service.New(mgr, service.Config{Timeout: timeout}, logger)

	if warm {
		go func() {
			if _, err := mgr.Acquire(context.Background()); err != nil {
				logger.Error("warm-up initialization failed", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      newServeMux(svc, logger, maxBody),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

// applyFileConfig backfills flags the command line left untouched.
func applyFileConfig(cmd *cobra.Command, cfg serveConfig) {
	set := func(flag, value string) {
		if value != "" && !cmd.Flags().Changed(flag) {
			cmd.Flags().Set(flag, value)
		}
	}
	set("wasm", cfg.WasmPath)
	set("scratch", cfg.ScratchDir)
	set("library", cfg.LibraryDir)
	if len(cfg.Extensions) > 0 && !cmd.Flags().Changed("extension") {
		cmd.Flags().Set("extension", strings.Join(cfg.Extensions, ","))
	}
	if cfg.TimeoutSeconds > 0 && !cmd.Flags().Changed("timeout") {
		cmd.Flags().Set("timeout", (time.Duration(cfg.TimeoutSeconds) * time.Second).String())
	}
	if cfg.MaxBodyBytes > 0 && !cmd.Flags().Changed("max-body") {
		cmd.Flags().Set("max-body", strconv.FormatInt(cfg.MaxBodyBytes, 10))
	}
}

func newServeMux(svc *service.Service, logger *log.Logger, maxBody int64) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, svc.HealthCheck())
	})

	mux.HandleFunc("/api/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)

		var req service.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}

		resp, err := svc.Execute(r.Context(), req)
		switch {
		case errors.Is(err, service.ErrNoCode):
			writeError(w, http.StatusBadRequest, "code is required")
		case errors.Is(err, service.ErrTimeout):
			writeJSON(w, http.StatusGatewayTimeout, resp)
		case err != nil:
			logger.Error("execute failed", "err", err)
			writeError(w, http.StatusInternalServerError, "execution backend unavailable")
		default:
			writeJSON(w, http.StatusOK, resp)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, service.Response{
		Success:   false,
		Artifacts: []string{},
		Error:     &msg,
	})
}
