package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
)

// DailyJobs runs recurring maintenance jobs (queue resets) on a cron
// schedule evaluated in JST.
type DailyJobs struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

// DailyJobsOptions holds the settings for a DailyJobs scheduler.
type DailyJobsOptions struct {
	Logger *slog.Logger
	// JobTimeout bounds each job invocation; defaults to 10 minutes.
	JobTimeout time.Duration
}

// NewDailyJobs creates an empty JST cron scheduler.
func NewDailyJobs(opts DailyJobsOptions) *DailyJobs {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &DailyJobs{
		cron:    cron.New(cron.WithLocation(clock.JST)),
		logger:  logger,
		timeout: timeout,
	}
}

// Add registers a named job on a standard cron spec, e.g. "0 5 * * *" for
// 05:00 JST daily. Job failures are logged, never propagated to the cron
// loop.
func (d *DailyJobs) Add(spec, name string, fn func(ctx context.Context) error) error {
	_, err := d.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			d.logger.ErrorContext(ctx, "daily job failed",
				slog.String("job", name),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("error", err.Error()))
			return
		}
		d.logger.InfoContext(ctx, "daily job finished",
			slog.String("job", name),
			slog.Duration("elapsed", time.Since(start)))
	})
	return err
}

// Start launches the cron loop in its own goroutine.
func (d *DailyJobs) Start() {
	d.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (d *DailyJobs) Stop() {
	<-d.cron.Stop().Done()
}
