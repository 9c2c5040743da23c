package main

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRepoURL  = "https://repo.r-wasm.org/bin/emscripten/contrib/4.4"
	defaultImageURL = "https://webr.r-wasm.org/latest/R.bin.wasm"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage the R image and package library",
	Long: `Download the R WebAssembly image and install packages into the
host library directory, which sessions mount read-only at /library.

Packages come prebuilt from the webR binary repository; only packages
that have been compiled for WebAssembly are available there.`,
}

var depsImageCmd = &cobra.Command{
	Use:   "image",
	Short: "Download the R WebAssembly image",
	Run:   runDepsImage,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages from the webR repository",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	Run:   runDepsList,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDepsRemove,
}

var (
	depsLibDir  string
	depsRepoURL string
)

func init() {
	depsCmd.PersistentFlags().StringVar(&depsLibDir, "dir", filepath.Join(".rwasmd", "library"), "Library directory")
	depsInstallCmd.Flags().StringVar(&depsRepoURL, "repo", defaultRepoURL, "webR binary repository URL")
	depsImageCmd.Flags().String("url", defaultImageURL, "Image download URL")

	depsCmd.AddCommand(depsImageCmd, depsInstallCmd, depsListCmd, depsRemoveCmd)
	rootCmd.AddCommand(depsCmd)
}

// Distributed with the image itself, never fetched from the repository.
var basePackages = map[string]bool{
	"R": true, "base": true, "compiler": true, "datasets": true,
	"graphics": true, "grDevices": true, "grid": true, "methods": true,
	"parallel": true, "splines": true, "stats": true, "stats4": true,
	"tcltk": true, "tools": true, "utils": true,
}

type repoPackage struct {
	Version string
	Depends []string
}

func runDepsImage(cmd *cobra.Command, args []string) {
	url, _ := cmd.Flags().GetString("url")
	wasmPath, _ := cmd.Flags().GetString("wasm")

	if err := os.MkdirAll(filepath.Dir(wasmPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Downloading %s...\n", url)
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: server returned status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	tmp, err := os.CreateTemp(filepath.Dir(wasmPath), "R-*.wasm.tmp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: download failed: %v\n", err)
		os.Exit(1)
	}
	if err := os.Rename(tmp.Name(), wasmPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Saved %s (%d bytes)\n", wasmPath, n)
}

func runDepsInstall(cmd *cobra.Command, args []string) {
	if err := os.MkdirAll(depsLibDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create library dir: %v\n", err)
		os.Exit(1)
	}

	index, err := fetchPackagesIndex(depsRepoURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	wanted, err := resolvePackages(index, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var g errgroup.Group
	g.SetLimit(4)
	var mu sync.Mutex
	for _, name := range wanted {
		name := name
		g.Go(func() error {
			mu.Lock()
			fmt.Printf("Installing %s %s...\n", name, index[name].Version)
			mu.Unlock()
			return installPackage(depsRepoURL, name, index[name].Version, depsLibDir)
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Done.")
}

// resolvePackages expands the requested set with transitive repository
// dependencies, skipping base packages and anything already installed.
func resolvePackages(index map[string]repoPackage, names []string) ([]string, error) {
	seen := map[string]bool{}
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] || basePackages[name] {
			return nil
		}
		seen[name] = true
		entry, ok := index[name]
		if !ok {
			return fmt.Errorf("package %s not found in repository", name)
		}
		for _, dep := range entry.Depends {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if _, err := os.Stat(filepath.Join(depsLibDir, name)); err == nil {
			return nil
		}
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func fetchPackagesIndex(repoURL string) (map[string]repoPackage, error) {
	resp, err := http.Get(repoURL + "/PACKAGES")
	if err != nil {
		return nil, fmt.Errorf("fetch package index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("package index returned status %d", resp.StatusCode)
	}
	return parsePackagesIndex(resp.Body)
}

// parsePackagesIndex reads the DCF-format PACKAGES file: stanzas of
// "Field: value" lines separated by blank lines, with continuation
// lines starting with whitespace.
func parsePackagesIndex(r io.Reader) (map[string]repoPackage, error) {
	index := map[string]repoPackage{}
	var name string
	var entry repoPackage
	var lastField string

	flush := func() {
		if name != "" {
			index[name] = entry
		}
		name = ""
		entry = repoPackage{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			lastField = ""
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastField == "Depends" {
				entry.Depends = append(entry.Depends, parseDepends(line)...)
			}
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		lastField = field
		switch field {
		case "Package":
			name = value
		case "Version":
			entry.Version = value
		case "Depends", "Imports":
			lastField = "Depends"
			entry.Depends = append(entry.Depends, parseDepends(value)...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse package index: %w", err)
	}
	flush()
	return index, nil
}

// parseDepends splits "R (>= 4.1), rlang (>= 1.0), utils" into bare
// package names.
func parseDepends(s string) []string {
	var deps []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if idx := strings.IndexAny(part, " ("); idx != -1 {
			part = part[:idx]
		}
		if part != "" {
			deps = append(deps, part)
		}
	}
	return deps
}

func installPackage(repoURL, name, version, destDir string) error {
	url := fmt.Sprintf("%s/%s_%s.tgz", repoURL, name, version)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", name, resp.StatusCode)
	}
	return extractTarball(resp.Body, destDir)
}

func extractTarball(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Reject absolute paths and traversal
		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return fmt.Errorf("tarball contains unsafe path %q", hdr.Name)
		}
		destPath := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return err
			}
			out, err := os.Create(destPath)
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
}

func runDepsList(cmd *cobra.Command, args []string) {
	entries, err := os.ReadDir(depsLibDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No packages installed.")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		fmt.Println("No packages installed.")
		return
	}
	sort.Strings(names)

	fmt.Printf("Packages in %s:\n", depsLibDir)
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
}

func runDepsRemove(cmd *cobra.Command, args []string) {
	for _, pkg := range args {
		pkgPath := filepath.Join(depsLibDir, pkg)
		if _, err := os.Stat(pkgPath); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: %s is not installed\n", pkg)
			continue
		}
		if err := os.RemoveAll(pkgPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove %s: %v\n", pkg, err)
			continue
		}
		fmt.Printf("Removed %s\n", pkg)
	}
}
