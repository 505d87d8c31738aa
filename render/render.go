// Package render turns an extraction result into output artifacts. Five
// formats are supported (csv, txt, json, pdf, md); each renderer is
// deterministic, so the same result always produces byte-identical
// artifacts.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"olmconv/extract"
	"olmconv/model"
	"olmconv/stats"
)

// ErrRenderFailure marks a failure scoped to a single output format. The
// other formats of the same job are unaffected.
var ErrRenderFailure = errors.New("render failure")

// Renderer writes one output format for an extraction result.
type Renderer interface {
	Name() string
	Ext() string
	Render(w io.Writer, res *extract.Result) error
}

var factories = map[string]func() Renderer{
	"csv":  func() Renderer { return csvRenderer{} },
	"txt":  func() Renderer { return txtRenderer{} },
	"json": func() Renderer { return jsonRenderer{} },
	"pdf":  func() Renderer { return pdfRenderer{} },
	"md":   func() Renderer { return mdRenderer{} },
}

// Formats lists the supported format names, sorted.
func Formats() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForFormats resolves format names to renderers, rejecting unknown names
// and dropping duplicates.
func ForFormats(formats []string) ([]Renderer, error) {
	seen := make(map[string]bool, len(formats))
	renderers := make([]Renderer, 0, len(formats))
	for _, name := range formats {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown format %q (supported: %s)", name, strings.Join(Formats(), ", "))
		}
		seen[name] = true
		renderers = append(renderers, factory())
	}
	if len(renderers) == 0 {
		return nil, fmt.Errorf("no output formats selected (supported: %s)", strings.Join(Formats(), ", "))
	}
	return renderers, nil
}

// Artifact is the outcome of rendering one format.
type Artifact struct {
	Format string
	Path   string
	Size   int64
	Err    error
}

// WriteAll renders every format concurrently into dir, one artifact per
// renderer named base.<ext>. A failing renderer never disturbs the others;
// its artifact carries the error instead. Cancellation keeps renderers
// that already started running but discards their output.
func WriteAll(ctx context.Context, res *extract.Result, renderers []Renderer, dir, base string, logger *slog.Logger, emit func(stats.Event)) []Artifact {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(stats.Event) {}
	}

	artifacts := make([]Artifact, len(renderers))
	var g errgroup.Group
	for i, r := range renderers {
		path := filepath.Join(dir, base+"."+r.Ext())
		g.Go(func() error {
			artifacts[i] = writeOne(ctx, r, res, path, logger, emit)
			return nil
		})
	}
	_ = g.Wait()
	return artifacts
}

func writeOne(ctx context.Context, r Renderer, res *extract.Result, path string, logger *slog.Logger, emit func(stats.Event)) Artifact {
	art := Artifact{Format: r.Name(), Path: path}

	if err := ctx.Err(); err != nil {
		art.Err = err
		return art
	}

	f, err := os.Create(path)
	if err != nil {
		art.Err = fmt.Errorf("format %s: %w: %v", r.Name(), ErrRenderFailure, err)
		emit(stats.Event{Stage: stats.StageRender, Type: stats.EventTypeError, Detail: r.Name(), Err: art.Err})
		logger.Error("artifact not written", "format", r.Name(), "path", path, "err", err)
		return art
	}

	renderErr := r.Render(f, res)
	if cerr := f.Close(); renderErr == nil {
		renderErr = cerr
	}
	if renderErr == nil && ctx.Err() != nil {
		renderErr = ctx.Err()
	}
	if renderErr != nil {
		os.Remove(path)
		art.Err = fmt.Errorf("format %s: %w: %v", r.Name(), ErrRenderFailure, renderErr)
		emit(stats.Event{Stage: stats.StageRender, Type: stats.EventTypeError, Detail: r.Name(), Err: art.Err})
		logger.Error("artifact not written", "format", r.Name(), "path", path, "err", renderErr)
		return art
	}

	if fi, err := os.Stat(path); err == nil {
		art.Size = fi.Size()
	}
	emit(stats.Event{Stage: stats.StageRender, Type: stats.EventTypeRendered, Detail: r.Name()})
	logger.Info("artifact written", "format", r.Name(), "path", path, "bytes", art.Size)
	return art
}

func dateString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func joinAttachmentNames(attachments []model.Attachment) string {
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, a.Filename)
	}
	return strings.Join(names, "; ")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
