package stats

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageExtract Stage = "extract"
	StageRender  Stage = "render"
	StageDeliver Stage = "deliver"
)

type EventType string

const (
	EventTypeExtracted     EventType = "extracted"
	EventTypeSkipped       EventType = "skipped"
	EventTypeFiltered      EventType = "filtered"
	EventTypeWarning       EventType = "warning"
	EventTypeProgress      EventType = "progress"
	EventTypeRendered      EventType = "rendered"
	EventTypeDelivered     EventType = "delivered"
	EventTypeDryRunDeliver EventType = "dry_run_delivered"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeError         EventType = "error"
)

// Event is one observation from a job stage. Progress events carry
// Processed and Total; Total is -1 when the container does not declare an
// entry count.
type Event struct {
	Stage     Stage
	Type      EventType
	Entry     string
	Err       error
	Detail    string
	Processed int
	Total     int
}

type Summary struct {
	Extracted       int
	Skipped         int
	Filtered        int
	Warnings        int
	Rendered        int
	Delivered       int
	DryRunDelivered int
	Duplicates      int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"extracted", s.Extracted,
		"skipped", s.Skipped,
		"filtered", s.Filtered,
		"warnings", s.Warnings,
		"rendered", s.Rendered,
		"delivered", s.Delivered,
		"dryRunDelivered", s.DryRunDelivered,
		"duplicates", s.Duplicates,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeWarning:
		c.summary.Warnings++
	case EventTypeRendered:
		c.summary.Rendered++
	case EventTypeDelivered:
		c.summary.Delivered++
	case EventTypeDryRunDeliver:
		c.summary.DryRunDelivered++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one key with its occurrence count, for top-N reports.
type Count struct {
	Key string
	N   int
}

// Top returns the most frequent keys in m, highest first. Ties break by
// key so report output stays stable across runs.
func Top(m map[string]int, limit int) []Count {
	counts := make([]Count, 0, len(m))
	for k, v := range m {
		counts = append(counts, Count{k, v})
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].N != counts[j].N {
			return counts[i].N > counts[j].N
		}
		return counts[i].Key < counts[j].Key
	})

	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}
