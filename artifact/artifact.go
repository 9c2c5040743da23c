// Package artifact resolves the artifact file paths a session reports
// into transport-ready base64 payloads.
package artifact

import (
	"context"
	"encoding/base64"
	"path"
	"strings"

	"github.com/charmbracelet/log"
)

// Reader reads a file through the session that produced it.
// *runtime.Session satisfies it.
type Reader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Extract reads and encodes each reported path, preserving order. Paths
// outside the scratch directory are rejected; a file that cannot be read
// is logged and skipped. Neither aborts the batch.
func Extract(ctx context.Context, r Reader, scratchDir string, paths []string, logger *log.Logger) []string {
	encoded := make([]string, 0, len(paths))
	for _, p := range paths {
		if !Contained(scratchDir, p) {
			logger.Warn("artifact path outside scratch dir, skipping", "path", p)
			continue
		}
		data, err := r.ReadFile(ctx, p)
		if err != nil {
			logger.Warn("artifact read failed, skipping", "path", p, "err", err)
			continue
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(data))
	}
	return encoded
}

// Contained reports whether p lies under dir after lexical cleaning.
func Contained(dir, p string) bool {
	dir = path.Clean(dir)
	p = path.Clean(p)
	return p == dir || strings.HasPrefix(p, dir+"/")
}
