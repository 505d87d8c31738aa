package container

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-mbox"
)

// mboxReader streams the messages of an mbox file as synthetic .eml
// entries. mbox carries no index, so the total is unknown and entry sizes
// are reported as -1.
type mboxReader struct {
	path string
	f    *os.File
	mr   *mbox.Reader
	idx  int
}

func openMbox(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, corruptErr(path, err)
	}
	return &mboxReader{path: path, f: f, mr: mbox.NewReader(f)}, nil
}

// entryName gives mbox messages stable path-like identifiers so that
// downstream consumers can reference and re-open them.
func entryName(idx int) string {
	return fmt.Sprintf("messages/%05d.eml", idx)
}

func (r *mboxReader) Next(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := r.mr.NextMessage()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		// The mbox reader cannot resync after a framing error, so the
		// rest of the stream is lost.
		return nil, corruptErr(r.path, err)
	}

	r.idx++
	return &Entry{Path: entryName(r.idx), Size: -1, Body: msg}, nil
}

func (r *mboxReader) OpenEntry(path string) (io.ReadCloser, error) {
	var want int
	if _, err := fmt.Sscanf(path, "messages/%d.eml", &want); err != nil || want < 1 {
		return nil, fmt.Errorf("entry %s: %w", path, ErrEntryNotFound)
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w: %v", path, ErrEntryUnreadable, err)
	}
	mr := mbox.NewReader(f)
	for i := 1; ; i++ {
		msg, err := mr.NextMessage()
		if err == io.EOF {
			f.Close()
			return nil, fmt.Errorf("entry %s: %w", path, ErrEntryNotFound)
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("entry %s: %w: %v", path, ErrEntryUnreadable, err)
		}
		if i == want {
			return &entryReadCloser{r: msg, c: f}, nil
		}
	}
}

func (r *mboxReader) Total() (int, bool) { return 0, false }

func (r *mboxReader) Kind() string { return "mbox" }

func (r *mboxReader) Close() error { return r.f.Close() }

type entryReadCloser struct {
	r io.Reader
	c io.Closer
}

func (e *entryReadCloser) Read(p []byte) (int, error) { return e.r.Read(p) }

func (e *entryReadCloser) Close() error { return e.c.Close() }
