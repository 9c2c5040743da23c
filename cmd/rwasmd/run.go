package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rwasmd/rwasmd/service"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run R code (one-shot execution)",
	Long: `Execute R code once and print the transcript.

Code can be provided via:
  - File argument: rwasmd run script.R
  - Inline flag: rwasmd run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | rwasmd run

Tabular data from a JSON file (an array of objects) can be injected as
the query_result data frame with --data. Plots written to the scratch
directory are saved with --artifacts-dir.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().Duration("timeout", 60*time.Second, "Execution timeout")
	cmd.Flags().String("data", "", "Path to a JSON file with rows to inject as query_result")
	cmd.Flags().String("artifacts-dir", "", "Directory to save generated plots into")
}

func runRun(cmd *cobra.Command, args []string) {
	logger := newLogger(cmd)

	code, _ := cmd.Flags().GetString("code")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	dataPath, _ := cmd.Flags().GetString("data")
	artifactsDir, _ := cmd.Flags().GetString("artifacts-dir")

	var source string
	switch {
	case code != "":
		source = code
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		source = string(data)
	default:
		// Check if stdin has data (not a terminal)
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			cmd.Help()
			return
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		source = string(data)
		if source == "" {
			cmd.Help()
			return
		}
	}

	var rows []map[string]any
	if dataPath != "" {
		b, err := os.ReadFile(dataPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(b, &rows); err != nil {
			fmt.Fprintf(os.Stderr, "Error: parse %s: %v\n", dataPath, err)
			os.Exit(1)
		}
	}

	mgr := buildManager(cmd, logger)
	defer mgr.Close()

	svc := service.New(mgr, service.Config{Timeout: timeout}, logger)

	resp, err := svc.Execute(context.Background(), service.Request{
		Code: source,
		Data: rows,
	})
	if err != nil && resp.Output == "" {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(resp.Output)

	if artifactsDir != "" && len(resp.Artifacts) > 0 {
		if err := saveArtifacts(artifactsDir, resp.Artifacts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if !resp.Success {
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", *resp.Error)
		}
		os.Exit(1)
	}
}

func saveArtifacts(dir string, artifacts []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, a := range artifacts {
		data, err := base64.StdEncoding.DecodeString(a)
		if err != nil {
			return fmt.Errorf("decode artifact %d: %w", i, err)
		}
		name := filepath.Join(dir, fmt.Sprintf("Rplot%03d.png", i+1))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "saved %s\n", name)
	}
	return nil
}
