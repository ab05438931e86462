// Package queue keeps the durable list of links that need follow-up outside
// the automatic download path.
//
// The file is rewritten in full on every append through a temporary file and
// a rename, so readers only ever see a complete document. Only one writer may
// run at a time; that is guaranteed by running a single intake process.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// MaxSubjectLength bounds the stored subject, in characters.
const MaxSubjectLength = 200

// FileMode is the permission of a committed queue file; external readers
// need to open it.
const FileMode os.FileMode = 0o644

// Entry is one deferred link.
type Entry struct {
	URL      string    `json:"url"`
	Subject  string    `json:"subject"`
	QueuedAt time.Time `json:"queued_at"`
}

// Document is the on-disk shape of the queue file.
type Document struct {
	Queue []Entry `json:"queue"`
}

// Queue appends entries to a JSON file.
type Queue struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	rename func(oldpath, newpath string) error
}

// New returns a Queue backed by path. The parent directory is created.
func New(path string, logger *slog.Logger) (*Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("queue path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Queue{
		path:   filepath.Clean(path),
		logger: logger,
		now:    time.Now,
		rename: os.Rename,
	}, nil
}

// Path returns the queue file location.
func (q *Queue) Path() string {
	return q.path
}

// Append adds one entry and commits the whole document atomically.
func (q *Queue) Append(url, subject string) error {
	doc := q.read()
	doc.Queue = append(doc.Queue, Entry{
		URL:      url,
		Subject:  truncate(subject, MaxSubjectLength),
		QueuedAt: q.now().UTC(),
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.commit(data); err != nil {
		return err
	}
	if q.logger != nil {
		q.logger.Debug("queued link", "url", url, "entries", len(doc.Queue))
	}
	return nil
}

// Load returns the current entries. A missing file is an empty queue; a
// malformed one is reported.
func (q *Queue) Load() ([]Entry, error) {
	return Read(q.path)
}

// Read loads the entries of the queue file at path without creating anything.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}
	return doc.Queue, nil
}

// read never fails: anything unreadable starts a fresh queue.
func (q *Queue) read() Document {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{Queue: []Entry{}}
	}
	if err != nil {
		q.warn("queue unreadable, starting empty", "path", q.path, "err", err)
		return Document{Queue: []Entry{}}
	}
	doc, err := decode(data)
	if err != nil {
		q.warn("queue malformed, starting empty", "path", q.path, "err", err)
		return Document{Queue: []Entry{}}
	}
	return doc
}

func decode(data []byte) (Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("parse queue: %w", err)
	}
	list, ok := raw["queue"]
	if !ok {
		return Document{}, fmt.Errorf("parse queue: missing queue field")
	}
	var doc Document
	if err := json.Unmarshal(list, &doc.Queue); err != nil {
		return Document{}, fmt.Errorf("parse queue: %w", err)
	}
	if doc.Queue == nil {
		return Document{}, fmt.Errorf("parse queue: queue is not a list")
	}
	return doc, nil
}

func (q *Queue) commit(data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(q.path), filepath.Base(q.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(FileMode); err != nil {
		tmpFile.Close()
		return fmt.Errorf("chmod temp queue file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp queue file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp queue file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp queue file: %w", err)
	}
	if err := q.rename(tmpPath, q.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}

	success = true
	return nil
}

func (q *Queue) warn(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Warn(msg, args...)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
