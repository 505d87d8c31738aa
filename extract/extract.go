// Package extract drives a full extraction pass over an archive
// container: stream entries, decode each one through the strategy chain,
// apply the record filter and collect the surviving records.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"olmconv/container"
	"olmconv/decode"
	"olmconv/model"
	"olmconv/stats"
)

// ErrNoEmails reports that a structurally valid archive produced zero
// records. It is returned alongside a complete Result; callers that treat
// an empty mailbox as normal check for it with errors.Is.
var ErrNoEmails = errors.New("no emails found in archive")

const (
	defaultProgressEvery    = 64
	defaultProgressInterval = 500 * time.Millisecond
)

// RecordFilter decides whether an extracted record is kept.
type RecordFilter interface {
	Allows(rec *model.EmailRecord) bool
}

type Options struct {
	Reader container.Reader
	Chain  *decode.Chain
	Filter RecordFilter
	JobID  string
	Source string
	Logger *slog.Logger
	Emit   func(stats.Event)

	// Progress cadence; zero values take the defaults (64 entries,
	// 500ms). Progress events are throttled so observers are never
	// flooded on large archives.
	ProgressEvery    int
	ProgressInterval time.Duration
}

// Result is the outcome of one extraction pass. Records keep container
// order.
type Result struct {
	JobID     string
	Source    string
	Container string

	Records []model.EmailRecord

	EntriesSeen int
	Extracted   int
	Skipped     int
	Filtered    int
	Warnings    int

	Started  time.Time
	Finished time.Time
}

type Coordinator struct {
	reader container.Reader
	chain  *decode.Chain
	filter RecordFilter
	jobID  string
	source string
	logger *slog.Logger
	emit   func(stats.Event)

	progressEvery    int
	progressInterval time.Duration
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		reader:           opts.Reader,
		chain:            opts.Chain,
		filter:           opts.Filter,
		jobID:            opts.JobID,
		source:           opts.Source,
		logger:           opts.Logger,
		emit:             opts.Emit,
		progressEvery:    opts.ProgressEvery,
		progressInterval: opts.ProgressInterval,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.emit == nil {
		c.emit = func(stats.Event) {}
	}
	if c.progressEvery <= 0 {
		c.progressEvery = defaultProgressEvery
	}
	if c.progressInterval <= 0 {
		c.progressInterval = defaultProgressInterval
	}
	return c
}

// Run streams the container to exhaustion. Cancellation is honoured at
// entry boundaries: an in-flight entry finishes, the next one is never
// started. A container-level failure aborts with the partial work
// discarded; per-entry failures only bump the skip count.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		JobID:     c.jobID,
		Source:    c.source,
		Container: c.reader.Kind(),
		Started:   time.Now(),
	}

	eventTotal := -1
	if total, known := c.reader.Total(); known {
		eventTotal = total
	}

	lastEmit := time.Now()
	lastCount := 0
	progress := func(force bool) {
		if res.EntriesSeen == lastCount {
			return
		}
		if !force && res.EntriesSeen-lastCount < c.progressEvery && time.Since(lastEmit) < c.progressInterval {
			return
		}
		c.emit(stats.Event{
			Stage:     stats.StageExtract,
			Type:      stats.EventTypeProgress,
			Processed: res.EntriesSeen,
			Total:     eventTotal,
		})
		lastEmit = time.Now()
		lastCount = res.EntriesSeen
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := c.reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, container.ErrEntryUnreadable) {
			res.EntriesSeen++
			c.skip(res, "", err)
			progress(false)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read container: %w", err)
		}

		res.EntriesSeen++
		data, err := io.ReadAll(entry.Body)
		if err != nil {
			c.skip(res, entry.Path, fmt.Errorf("%w: %v", container.ErrEntryUnreadable, err))
			progress(false)
			continue
		}

		rec, err := c.chain.Decode(entry.Path, data)
		if err != nil {
			c.skip(res, entry.Path, err)
			progress(false)
			continue
		}

		sum := sha256.Sum256(data)
		rec.Checksum = hex.EncodeToString(sum[:])

		if c.filter != nil && !c.filter.Allows(rec) {
			res.Filtered++
			c.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeFiltered, Entry: entry.Path})
			c.logger.Debug("record filtered out", "entry", entry.Path)
			progress(false)
			continue
		}

		res.Extracted++
		res.Warnings += len(rec.Warnings)
		res.Records = append(res.Records, *rec)

		c.emit(stats.Event{
			Stage:  stats.StageExtract,
			Type:   stats.EventTypeExtracted,
			Entry:  entry.Path,
			Detail: string(rec.Strategy),
		})
		for _, w := range rec.Warnings {
			c.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeWarning, Entry: entry.Path, Detail: w})
		}
		progress(false)
	}

	progress(true)
	res.Finished = time.Now()

	c.logger.Info("extraction finished",
		"source", res.Source,
		"container", res.Container,
		"entries", res.EntriesSeen,
		"extracted", res.Extracted,
		"skipped", res.Skipped,
		"filtered", res.Filtered,
		"warnings", res.Warnings,
		"duration", res.Finished.Sub(res.Started))

	if res.Extracted == 0 {
		return res, ErrNoEmails
	}
	return res, nil
}

func (c *Coordinator) skip(res *Result, entry string, err error) {
	res.Skipped++
	c.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, Entry: entry, Err: err})
	c.logger.Debug("entry skipped", "entry", entry, "err", err)
}
