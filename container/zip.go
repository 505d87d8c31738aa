package container

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
)

// zipReader streams the data entries of a ZIP/OLM archive in central
// directory order. Directory entries are filtered out up front.
type zipReader struct {
	path  string
	zr    *zip.ReadCloser
	files []*zip.File
	idx   int
	cur   io.ReadCloser
}

func openZip(path string) (Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, corruptErr(path, err)
	}

	// Directories and zero-byte placeholders carry no message content and
	// would only inflate the skip count.
	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || f.UncompressedSize64 == 0 {
			continue
		}
		files = append(files, f)
	}
	return &zipReader{path: path, zr: zr, files: files}, nil
}

func (r *zipReader) Next(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.closeCurrent()

	if r.idx >= len(r.files) {
		return nil, io.EOF
	}
	f := r.files[r.idx]
	r.idx++

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w: %v", f.Name, ErrEntryUnreadable, err)
	}
	r.cur = rc

	return &Entry{
		Path: f.Name,
		Size: int64(f.UncompressedSize64),
		Body: rc,
	}, nil
}

func (r *zipReader) OpenEntry(path string) (io.ReadCloser, error) {
	for _, f := range r.files {
		if f.Name == path {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w: %v", path, ErrEntryUnreadable, err)
			}
			return rc, nil
		}
	}
	return nil, fmt.Errorf("entry %s: %w", path, ErrEntryNotFound)
}

func (r *zipReader) Total() (int, bool) { return len(r.files), true }

func (r *zipReader) Kind() string { return "olm" }

func (r *zipReader) Close() error {
	r.closeCurrent()
	return r.zr.Close()
}

func (r *zipReader) closeCurrent() {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
}
