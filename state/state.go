// Package state remembers which records were already delivered to a
// mailbox, keyed by entry checksum, so re-running a job against the same
// archive never uploads duplicates.
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
)

type Tracker interface {
	AlreadyDelivered(checksum string) bool
	MarkDelivered(checksum, sourceEntry string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Delivered int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	delivered map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{delivered: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyDelivered(checksum string) bool {
	if checksum == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.delivered[checksum]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkDelivered(checksum, sourceEntry string) error {
	if checksum == "" {
		return nil
	}

	m.mu.Lock()
	m.delivered[checksum] = sourceEntry
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.delivered)
	m.mu.RUnlock()
	return Snapshot{Delivered: count}
}

// FileTracker persists delivered checksums so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Checksum    string `json:"checksum"`
	SourceEntry string `json:"source_entry"`
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
		path:          filepath.Join(stateDir, "delivered.jsonl"),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	// Open file for buffered writing if persisting
	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024) // 64KB buffer
	}

	return tracker, nil
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

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Checksum == "" {
			continue
		}

		f.mu.Lock()
		f.delivered[record.Checksum] = record.SourceEntry
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkDelivered(checksum, sourceEntry string) error {
	if checksum == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.delivered[checksum]; exists {
		f.mu.Unlock()
		return nil
	}
	f.delivered[checksum] = sourceEntry
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	record := fileRecord{Checksum: checksum, SourceEntry: sourceEntry}
	data, err := json.Marshal(record)
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

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}

	return firstErr
}
