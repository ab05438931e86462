// Package archive pulls PDF members out of an in-memory ZIP payload.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
)

// DefaultMaxEntryBytes caps the uncompressed size of a single member.
const DefaultMaxEntryBytes = 64 << 20

// ErrMalformed is returned when the payload is not a readable ZIP archive.
var ErrMalformed = errors.New("malformed zip archive")

// SaveFunc receives one extracted PDF member.
type SaveFunc func(name string, data []byte) error

// Expander extracts PDF members. Nested archives are never opened.
type Expander struct {
	MaxEntryBytes int64
	Logger        *slog.Logger
}

// Expand calls save for each PDF member of data, in archive order, and returns
// how many members were saved. A member that fails to read or save is logged
// and skipped; only an unreadable archive is an error.
func (e *Expander) Expand(data []byte, save SaveFunc) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	limit := e.MaxEntryBytes
	if limit <= 0 {
		limit = DefaultMaxEntryBytes
	}

	saved := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(f.Name), ".pdf") {
			continue
		}
		if f.UncompressedSize64 > uint64(limit) {
			e.warn("zip member too large", "member", f.Name, "size", humanize.IBytes(f.UncompressedSize64))
			continue
		}

		body, err := readMember(f, limit)
		if err != nil {
			e.warn("zip member unreadable", "member", f.Name, "err", err)
			continue
		}

		name := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
		if err := save(name, body); err != nil {
			e.warn("zip member not saved", "member", f.Name, "err", err)
			continue
		}
		saved++
	}
	return saved, nil
}

func readMember(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("member exceeds %s", humanize.IBytes(uint64(limit)))
	}
	return body, nil
}

func (e *Expander) warn(msg string, args ...any) {
	if e.Logger != nil {
		e.Logger.Warn(msg, args...)
	}
}
