// Package runner owns the lifecycle of one conversion job: its context, its
// job id, the event stream feeding stats subscribers, and the first error
// anything reports.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"olmconv/stats"
)

type Runner struct {
	jobID  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan stats.Event

	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		jobID:  uuid.NewString(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan stats.Event, 128),
	}
}

func (r *Runner) JobID() string {
	return r.jobID
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// Run executes the job, closes the event stream, and waits for every
// subscriber to drain before reporting. The first error wins, whether it
// came from the job or a subscriber.
func (r *Runner) Run(job func(ctx context.Context) error) error {
	r.since = time.Now()

	if err := job(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.fail(err)
	}

	r.closeEvents()
	r.statsWG.Wait()
	r.cancel()

	err := r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("job failed", "jobID", r.jobID, "duration", duration, "err", err)
		return err
	}

	r.logger.Info("job completed", "jobID", r.jobID, "duration", duration)
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
