package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"olmconv/stats"
)

// Bar shows terminal progress for a running job. Containers that declare an
// entry count get a determinate bar; the rest get a spinner.
type Bar struct {
	pb            *pterm.ProgressbarPrinter
	spinner       *pterm.SpinnerPrinter
	total         int
	lastProcessed int
	mu            sync.Mutex
	enabled       bool
	stopped       bool
}

// New creates a progress display if logLevel is "info".
func New(total int, known bool, logLevel string) *Bar {
	enabled := logLevel == "info"

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if !enabled {
		return bar
	}

	if known {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Extracting messages").
			Start()

		bar.pb = pb

		pterm.Info.Printf("Entries in archive: %d\n", total)
	} else {
		sp, _ := pterm.DefaultSpinner.Start("Scanning archive")
		bar.spinner = sp

		pterm.Info.Println("Container does not declare an entry count")
	}
	pterm.Println()

	return bar
}

// Update advances the display based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	switch evt.Type {
	case stats.EventTypeProgress:
		if b.pb != nil {
			// Progress events carry absolute counts; the bar wants deltas.
			if delta := evt.Processed - b.lastProcessed; delta > 0 {
				b.pb.Add(delta)
			}
		} else if b.spinner != nil {
			b.spinner.UpdateText(fmt.Sprintf("Scanned %d entries", evt.Processed))
		}
		b.lastProcessed = evt.Processed
	case stats.EventTypeExtracted:
		// Update title with current entry path (truncated)
		if b.pb != nil && evt.Entry != "" {
			displayEntry := evt.Entry
			if len(displayEntry) > 40 {
				displayEntry = displayEntry[:37] + "..."
			}
			b.pb.UpdateTitle("Extracting: " + displayEntry)
		}
	case stats.EventTypeRendered, stats.EventTypeDelivered, stats.EventTypeDryRunDeliver, stats.EventTypeDuplicate:
		// Don't print individual success messages - the final stats show totals
	case stats.EventTypeError:
		// Show error messages above the progress bar
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress display after a successful run.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	if b.pb != nil {
		// Ensure we reach 100%
		if b.pb.Current < b.total {
			b.pb.Current = b.total
		}
		b.pb.Stop()
		pterm.Success.Println("Processing complete!")
	} else if b.spinner != nil {
		b.spinner.Success(fmt.Sprintf("Processed %d entries", b.lastProcessed))
	}
}

// Abort halts the display after a failure. The bar keeps whatever fill it
// reached and no completion banner is printed, so the widget cannot
// repaint over the error output that follows.
func (b *Bar) Abort() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	if b.pb != nil {
		b.pb.Stop()
	} else if b.spinner != nil {
		b.spinner.Fail(fmt.Sprintf("Stopped after %d entries", b.lastProcessed))
	}
}

// Subscriber creates a stats subscriber function that updates the display.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress display functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter creates a new progress reporter with optional progress display.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		// Subscribe both the progress display and the stats collector
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

// collectStats collects statistics and prints final summary.
func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	// Print final summary after the progress display stops
	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		pterm.Println()
		pterm.DefaultSection.Println("Summary Statistics")
		pterm.Info.Printf("Duration: %v\n", duration)
		pterm.Info.Printf("Extracted: %d\n", summary.Extracted)
		pterm.Info.Printf("Skipped: %d\n", summary.Skipped)
		pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
		pterm.Info.Printf("Warnings: %d\n", summary.Warnings)
		pterm.Info.Printf("Rendered artifacts: %d\n", summary.Rendered)
		pterm.Info.Printf("Delivered: %d\n", summary.Delivered)
		pterm.Info.Printf("Dry-run delivered: %d\n", summary.DryRunDelivered)
		pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
		pterm.Info.Printf("Errors: %d\n", summary.Errors)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
