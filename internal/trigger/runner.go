package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/observability/metrics"
	"github.com/neurify-goto/form-sender-orchestrator/internal/observability/statsd"
)

// HandlerFunc is the body of a fired trigger.
type HandlerFunc func(ctx context.Context) error

// Runner polls the trigger records and fires due ones into registered
// handlers. It constructs no dependencies of its own; registration happens
// before Run is called.
type Runner struct {
	manager  *Manager
	handlers map[string]HandlerFunc
	interval time.Duration
	tp       clock.TimeProvider
	logger   *slog.Logger
	metrics  statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Manager *Manager
	// Interval defaults to 15 seconds.
	Interval     time.Duration
	TimeProvider clock.TimeProvider
	Logger       *slog.Logger
	Metrics      statsd.Sink
}

// NewRunner creates a trigger runner.
func NewRunner(opts RunnerOptions) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		manager:  opts.Manager,
		handlers: make(map[string]HandlerFunc),
		interval: interval,
		tp:       tp,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// Register binds a handler name to its implementation. Not safe to call
// concurrently with Run.
func (r *Runner) Register(handler string, fn HandlerFunc) {
	r.handlers[handler] = fn
}

// Tick claims every due trigger and invokes its handler. It returns the
// number of triggers fired; handler failures are logged, not returned, so
// one bad handler never starves the rest.
func (r *Runner) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := r.manager.ClaimDue(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, record := range due {
		fn, ok := r.handlers[record.Handler]
		if !ok {
			r.logger.WarnContext(ctx, "no handler registered for trigger",
				slog.String("trigger_id", record.ID),
				slog.String("handler", record.Handler))
			continue
		}

		r.logger.InfoContext(ctx, "firing trigger",
			slog.String("trigger_id", record.ID),
			slog.String("handler", record.Handler),
			slog.Time("fire_at", record.FireAt()))
		if err := fn(ctx); err != nil {
			r.logger.ErrorContext(ctx, "trigger handler failed",
				slog.String("trigger_id", record.ID),
				slog.String("handler", record.Handler),
				slog.String("error", err.Error()))
			r.emitFireMetric(record.Handler, err)
			continue
		}
		r.emitFireMetric(record.Handler, nil)
		fired++
	}
	return fired, nil
}

// Run starts the tick loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "trigger runner starting",
		slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "trigger runner stopping",
				slog.String("reason", ctx.Err().Error()))
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			start := time.Now()
			fired, err := r.Tick(ctx, r.tp.Now())
			elapsed := time.Since(start)

			r.emitTickMetrics(fired, elapsed, err)

			if err != nil {
				r.logger.ErrorContext(ctx, "trigger tick failed",
					slog.String("error", err.Error()))
				continue
			}
			if fired > 0 {
				r.logger.InfoContext(ctx, "trigger tick fired handlers",
					slog.Int("fired", fired))
			}
		}
	}
}

func (r *Runner) emitFireMetric(handler string, err error) {
	if r.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	r.metrics.Count("trigger.fired", 1, map[string]string{
		"handler": handler,
		"result":  result,
	})
}

func (r *Runner) emitTickMetrics(fired int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if fired == 0 {
		result = metrics.ResultNoop
	}
	tags := map[string]string{"result": result}

	r.metrics.Count("trigger.tick", 1, tags)
	if elapsed > 0 {
		r.metrics.Timing("trigger.tick_duration", elapsed, metrics.CloneTags(tags))
	}
	if err == nil {
		r.metrics.Gauge("trigger.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
