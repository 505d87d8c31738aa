// Package container streams entries out of mailbox archive containers.
//
// Two container layouts are supported: OLM archives (ZIP containers as
// produced by Outlook for Mac) and classic mbox files. Entries are produced
// lazily, one at a time, so memory use is bounded by a single entry
// regardless of archive size.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrContainerCorrupt means the archive's central structure cannot be
	// located or read. Job-fatal: no partial extraction is possible.
	ErrContainerCorrupt = errors.New("archive container corrupt")

	// ErrEntryUnreadable marks a single entry that could not be read.
	// The stream stays usable; callers skip the entry and continue.
	ErrEntryUnreadable = errors.New("archive entry unreadable")

	// ErrEntryNotFound is returned by OpenEntry for an unknown identifier.
	ErrEntryNotFound = errors.New("archive entry not found")
)

// Entry is one logical unit inside a container: a path-like identifier, a
// byte length (-1 when the container does not declare one) and a byte
// stream. The stream is only valid until the next call to Next.
type Entry struct {
	Path string
	Size int64
	Body io.Reader
}

// Reader is a lazy, finite entry stream in container-native order. It is
// restartable by re-opening, not rewindable mid-stream.
type Reader interface {
	// Next returns the next entry, io.EOF at the end of the container, an
	// error wrapping ErrEntryUnreadable for a skippable entry, or an error
	// wrapping ErrContainerCorrupt when the stream itself is broken.
	Next(ctx context.Context) (*Entry, error)

	// OpenEntry re-opens a single entry by identifier, independent of the
	// streaming position. Used by sinks that need raw entry bytes after
	// extraction has finished.
	OpenEntry(path string) (io.ReadCloser, error)

	// Total returns the number of entries when the container carries an
	// index; ok is false for streaming containers without one.
	Total() (n int, ok bool)

	// Kind names the container layout ("olm" or "mbox").
	Kind() string

	Close() error
}

// Open picks a reader implementation for the archive at path. OLM and ZIP
// extensions (and anything carrying the ZIP magic) get the ZIP reader;
// mbox extensions get the mbox reader.
func Open(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".olm", ".zip":
		return openZip(path)
	case ".mbox", ".mbx":
		return openMbox(path)
	}

	if isZipFile(path) {
		return openZip(path)
	}
	return openMbox(path)
}

// isZipFile reports whether the file starts with the ZIP local-file magic.
func isZipFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return bytes.Equal(magic, []byte("PK\x03\x04"))
}

func corruptErr(path string, err error) error {
	return fmt.Errorf("%s: %w: %v", path, ErrContainerCorrupt, err)
}
