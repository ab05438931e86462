// Package state remembers which messages earlier runs already triaged.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the seen-message journal inside the state directory.
const FileName = "seen.jsonl"

type Tracker interface {
	Seen(hash string) bool
	MarkSeen(rec Record) error
	Snapshot() Snapshot
}

// Record is one triaged message.
type Record struct {
	Hash      string    `json:"hash"`
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject,omitempty"`
	Pulled    int       `json:"pulled"`
	Deferred  int       `json:"deferred"`
	TriagedAt time.Time `json:"triaged_at"`
}

type Snapshot struct {
	Seen int
}

type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]Record)}
}

func (m *MemoryTracker) Seen(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkSeen(rec Record) error {
	if rec.Hash == "" {
		return nil
	}

	m.mu.Lock()
	m.seen[rec.Hash] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}

// FileTracker appends triaged messages to a JSONL journal so later runs
// started with --skip-seen can pass over them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, FileName),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 16*1024)
	}

	return tracker, nil
}

// Path returns the journal location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if rec.Hash == "" {
			continue
		}

		f.mu.Lock()
		f.seen[rec.Hash] = rec
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkSeen(rec Record) error {
	if rec.Hash == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.seen[rec.Hash]; exists {
		f.mu.Unlock()
		return nil
	}
	f.seen[rec.Hash] = rec
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Close flushes and closes the journal.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
