// Package sweeper runs the periodic sweeps that turn persisted due work into
// feedback requests, reminders, outcome prompts and trial expiries.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic sweep. Run returns how many items it handled.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) (int, error)
}

type Runner struct {
	jobs   []Job
	logger *zap.Logger
	now    func() time.Time
}

func New(logger *zap.Logger, jobs ...Job) *Runner {
	return &Runner{jobs: jobs, logger: logger, now: time.Now}
}

// Run starts every job on its own interval, first tick immediately, and
// blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			every(ctx, job.Interval, func(ctx context.Context) {
				r.tick(ctx, job)
			})
		}()
	}
	r.logger.Info("Sweeper started", zap.Int("jobs", len(r.jobs)))
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) tick(ctx context.Context, job Job) {
	n, err := job.Run(ctx, r.now().UTC())
	if err != nil {
		r.logger.Error("Sweep failed", zap.String("sweep", job.Name), zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("Sweep done", zap.String("sweep", job.Name), zap.Int("handled", n))
	}
}

// every calls fn right away and then every interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
