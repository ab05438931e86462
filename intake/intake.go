// Package intake writes acquired PDFs into the flat intake directory consumed
// by the normalization pipeline.
package intake

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

const (
	fallbackName  = "file.pdf"
	maxNameLength = 200
)

// Dir saves files under a single directory. Same-named files overwrite.
type Dir struct {
	path   string
	dryRun bool
	logger *slog.Logger
	bytes  atomic.Int64
}

// NewDir creates the directory if needed. In dry-run mode nothing is written.
func NewDir(path string, dryRun bool, logger *slog.Logger) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("intake directory is empty")
	}
	if !dryRun {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create intake directory: %w", err)
		}
	}
	return &Dir{path: filepath.Clean(path), dryRun: dryRun, logger: logger}, nil
}

// Path returns the intake directory.
func (d *Dir) Path() string {
	return d.path
}

// BytesWritten is the total size of files saved through d.
func (d *Dir) BytesWritten() int64 {
	return d.bytes.Load()
}

// SavePDF writes data under a sanitized form of nameHint and returns the full path.
func (d *Dir) SavePDF(nameHint string, data []byte) (string, error) {
	name := SanitizeName(nameHint)
	out := filepath.Join(d.path, name)

	if d.dryRun {
		if d.logger != nil {
			d.logger.Info("dry-run save", "path", out, "size", humanize.Bytes(uint64(len(data))))
		}
		return out, nil
	}

	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	d.bytes.Add(int64(len(data)))
	if d.logger != nil {
		d.logger.Info("saved pdf", "path", out, "size", humanize.Bytes(uint64(len(data))))
	}
	return out, nil
}

// SanitizeName reduces hint to a safe base name ending in ".pdf".
func SanitizeName(hint string) string {
	hint = strings.ReplaceAll(hint, "\\", "/")
	if i := strings.LastIndex(hint, "/"); i >= 0 {
		hint = hint[i+1:]
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r < 32 || r == 127:
			return '_'
		case strings.ContainsRune(`\/:*?"<>|`, r):
			return '_'
		}
		return r
	}, hint)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.Trim(cleaned, ".")

	if cleaned == "" {
		return fallbackName
	}
	if !strings.HasSuffix(strings.ToLower(cleaned), ".pdf") {
		cleaned += ".pdf"
	}
	if len(cleaned) > maxNameLength {
		cleaned = truncateBytes(cleaned[:len(cleaned)-4], maxNameLength-4) + ".pdf"
	}
	return cleaned
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}
