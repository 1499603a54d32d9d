// Package autostop schedules and enforces the automatic stopping of running
// form-sender sessions: one global stop at the session runtime limit and
// per-targeting stops at the configured business end-of-day. The schedule is
// persisted in the property store and bound to at most one one-shot trigger.
package autostop

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/props"
)

// HandlerName is the trigger handler that fires scheduled stops.
const HandlerName = "autoStopFromSchedule"

const (
	// DefaultMinDelay keeps stop triggers at least this far in the future.
	DefaultMinDelay = 60 * time.Second
	// DefaultSessionHours is the global session runtime limit fallback.
	DefaultSessionHours = 8.0
)

// TriggerScheduler is the slice of the trigger manager the scheduler uses.
type TriggerScheduler interface {
	CreateOneShot(ctx context.Context, handler string, at time.Time) (string, error)
	DeleteByHandler(ctx context.Context, handler string) error
}

// Stopper cancels running workloads across backends.
type Stopper interface {
	StopAll(ctx context.Context) error
	StopTargeting(ctx context.Context, targetingID int) error
}

// Scheduler owns the persisted stop schedule and its trigger.
type Scheduler struct {
	store        props.Store
	triggers     TriggerScheduler
	stopper      Stopper
	tp           clock.TimeProvider
	logger       *slog.Logger
	minDelay     time.Duration
	sessionHours float64
}

// SchedulerOptions holds the dependencies for a Scheduler.
type SchedulerOptions struct {
	Store    props.Store
	Triggers TriggerScheduler
	Stopper  Stopper
	// MinDelay defaults to DefaultMinDelay.
	MinDelay time.Duration
	// DefaultSessionHours defaults to DefaultSessionHours.
	DefaultSessionHours float64
	TimeProvider        clock.TimeProvider
	Logger              *slog.Logger
}

// NewScheduler creates an auto-stop scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minDelay := opts.MinDelay
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	hours := opts.DefaultSessionHours
	if hours <= 0 {
		hours = DefaultSessionHours
	}
	return &Scheduler{
		store:        opts.Store,
		triggers:     opts.Triggers,
		stopper:      opts.Stopper,
		tp:           tp,
		logger:       logger,
		minDelay:     minDelay,
		sessionHours: hours,
	}
}

func (s *Scheduler) loadSchedule(ctx context.Context) (model.StopSchedule, error) {
	var schedule model.StopSchedule
	err := props.GetJSON(ctx, s.store, props.KeyAutoStopSchedule, &schedule)
	if errors.Is(err, props.ErrNotFound) {
		return model.NewStopSchedule(), nil
	}
	if err != nil {
		return model.StopSchedule{}, apperrors.Wrap(err, apperrors.ErrCodeSystem, "load stop schedule")
	}
	return schedule, nil
}

func (s *Scheduler) saveSchedule(ctx context.Context, schedule model.StopSchedule) error {
	if len(schedule.Entries) == 0 {
		if err := s.store.Delete(ctx, props.KeyAutoStopSchedule); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeSystem, "clear stop schedule")
		}
		return nil
	}
	if err := props.SetJSON(ctx, s.store, props.KeyAutoStopSchedule, &schedule); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSystem, "save stop schedule")
	}
	return nil
}

// enforceMinDelay pushes a stop instant forward so it never fires inside the
// minimum delay window.
func (s *Scheduler) enforceMinDelay(stopAt, now time.Time) time.Time {
	floor := now.Add(s.minDelay)
	if stopAt.Before(floor) {
		return floor
	}
	return stopAt
}

// RegisterSessionStart records the global runtime-limit stop for a session
// that just started. With reset, any previous schedule and trigger are
// discarded first.
func (s *Scheduler) RegisterSessionStart(ctx context.Context, handler string, reset bool) error {
	now := s.tp.Now()

	schedule := model.NewStopSchedule()
	if !reset {
		var err error
		schedule, err = s.loadSchedule(ctx)
		if err != nil {
			return err
		}
	} else if err := s.clearTrigger(ctx); err != nil {
		s.logger.WarnContext(ctx, "stale auto-stop trigger cleanup failed",
			slog.String("error", err.Error()))
	}

	stopAt := s.enforceMinDelay(now.Add(time.Duration(s.sessionHours*float64(time.Hour))), now)
	entry := model.NewAutoStopEntry(nil, model.StopReasonMaxRuntime, stopAt)
	entry.Metadata = map[string]string{"handler": handler}

	schedule = schedule.Merge([]model.AutoStopEntry{entry}, now, s.minDelay)
	if err := s.saveSchedule(ctx, schedule); err != nil {
		return err
	}
	return s.RefreshTrigger(ctx)
}

// RegisterForTargeting schedules both stop entries for one targeting: the
// session runtime limit and today's business end-of-day.
func (s *Scheduler) RegisterForTargeting(ctx context.Context, cfg *model.TargetingConfig) error {
	now := s.tp.Now()

	hours := cfg.SessionMaxHours
	if hours <= 0 {
		hours = s.sessionHours
	}
	maxRuntimeAt := s.enforceMinDelay(now.Add(time.Duration(hours*float64(time.Hour))), now)

	endMinutes, err := model.ParseTimeOfDay(cfg.SendEndTime)
	if err != nil {
		return apperrors.TargetingConfigf("targeting %d has invalid send_end_time %q", cfg.TargetingID, cfg.SendEndTime)
	}
	nowJST := now.In(clock.JST)
	businessEnd := time.Date(nowJST.Year(), nowJST.Month(), nowJST.Day(),
		endMinutes/60, endMinutes%60, 0, 0, clock.JST)
	businessEndAt := s.enforceMinDelay(businessEnd, now)

	id := cfg.TargetingID
	entries := []model.AutoStopEntry{
		model.NewAutoStopEntry(&id, model.StopReasonMaxRuntime, maxRuntimeAt),
		model.NewAutoStopEntry(&id, model.StopReasonBusinessEnd, businessEndAt),
	}

	schedule, err := s.loadSchedule(ctx)
	if err != nil {
		return err
	}
	schedule = schedule.Merge(entries, now, s.minDelay)
	if err := s.saveSchedule(ctx, schedule); err != nil {
		return err
	}
	return s.RefreshTrigger(ctx)
}

// RefreshTrigger rebinds the single auto-stop trigger to the earliest
// scheduled stop. Trigger creation failure is non-fatal: the schedule
// persists and a later scheduling call rebinds it.
func (s *Scheduler) RefreshTrigger(ctx context.Context) error {
	if err := s.clearTrigger(ctx); err != nil {
		s.logger.WarnContext(ctx, "auto-stop trigger cleanup failed",
			slog.String("error", err.Error()))
	}

	schedule, err := s.loadSchedule(ctx)
	if err != nil {
		return err
	}
	earliest, ok := schedule.Earliest()
	if !ok {
		return nil
	}

	now := s.tp.Now()
	fireAt := s.enforceMinDelay(time.UnixMilli(earliest.StopAtEpochMS), now)

	triggerID, err := s.triggers.CreateOneShot(ctx, HandlerName, fireAt)
	if err != nil {
		s.logger.ErrorContext(ctx, "auto-stop trigger creation failed",
			slog.String("error", err.Error()))
		return nil
	}
	if err := s.store.Set(ctx, props.KeyAutoStopTriggerID, triggerID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSystem, "record auto-stop trigger id")
	}
	return nil
}

func (s *Scheduler) clearTrigger(ctx context.Context) error {
	if err := s.triggers.DeleteByHandler(ctx, HandlerName); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, props.KeyAutoStopTriggerID); err != nil {
		return err
	}
	return nil
}

// FireResult reports what a HandleDue pass stopped.
type FireResult struct {
	Fired         []model.AutoStopEntry `json:"fired"`
	GlobalStopped bool                  `json:"global_stopped"`
	Remaining     int                   `json:"remaining"`
}

// HandleDue is the trigger entry point: it executes every entry due within
// now + minDelay/4, persists the remainder, and rebinds the trigger. A fired
// global entry clears the whole schedule.
func (s *Scheduler) HandleDue(ctx context.Context) (*FireResult, error) {
	now := s.tp.Now()
	schedule, err := s.loadSchedule(ctx)
	if err != nil {
		return nil, err
	}

	horizon := now.Add(s.minDelay / 4)
	due, remaining := schedule.Due(horizon)

	result := &FireResult{}
	// Entries whose stop call fails stay scheduled so the rebound trigger
	// retries them.
	var failed []model.AutoStopEntry
	for _, entry := range due {
		if entry.Global() {
			if err := s.stopper.StopAll(ctx); err != nil {
				s.logger.ErrorContext(ctx, "global auto-stop failed",
					slog.String("error", err.Error()))
				failed = append(failed, entry)
				continue
			}
			result.GlobalStopped = true
			result.Fired = append(result.Fired, entry)
			// Global stop supersedes everything still pending.
			remaining = nil
			failed = nil
			break
		}

		if err := s.stopper.StopTargeting(ctx, *entry.TargetingID); err != nil {
			s.logger.ErrorContext(ctx, "targeted auto-stop failed",
				slog.Int("targeting_id", *entry.TargetingID),
				slog.String("error", err.Error()))
			failed = append(failed, entry)
			continue
		}
		result.Fired = append(result.Fired, entry)
	}
	// Failed entries are already the soonest, so they sort ahead of the
	// untouched remainder.
	remaining = append(failed, remaining...)

	schedule = model.StopSchedule{Version: 1, Entries: remaining}
	if err := s.saveSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	result.Remaining = len(remaining)

	if err := s.RefreshTrigger(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
