// Package handlers implements the orchestrator's entry points: the
// trigger-fired session starts, the manual start/stop operations, and the
// queue maintenance commands. Every operation returns a result carrying a
// success flag; per-targeting failures are aggregated, never fatal.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/internal/calendar"
	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/dispatch"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/observability/metrics"
	"github.com/neurify-goto/form-sender-orchestrator/internal/observability/statsd"
	"github.com/neurify-goto/form-sender-orchestrator/internal/props"
	"github.com/neurify-goto/form-sender-orchestrator/internal/queue"
)

// Trigger handler names. These are part of the persisted trigger records and
// must stay stable across releases.
const (
	HandlerStartAt7  = "startFormSenderFromTriggerAt7"
	HandlerStartAt13 = "startFormSenderFromTriggerAt13"
	HandlerStart     = "startFormSenderFromTrigger"

	morningHour   = 7
	afternoonHour = 13
)

// ConfigSource is the config-store surface the handlers need.
type ConfigSource interface {
	ListActiveTargetings(ctx context.Context) ([]model.ActiveTargeting, error)
	GetTargetingConfig(ctx context.Context, targetingID int) (*model.TargetingConfig, error)
}

// Dispatcher routes one targeting through queue build, artifact upload and
// task enqueue.
type Dispatcher interface {
	Dispatch(ctx context.Context, targetingID int, opts dispatch.Options) (*dispatch.Result, error)
}

// QueueAdmin is the queue-builder surface the handlers need.
type QueueAdmin interface {
	BuildForTargeting(ctx context.Context, targetingID int, opts queue.BuildOptions) (*queue.BuildResult, error)
	BuildForAllActive(ctx context.Context, opts queue.BuildOptions) (*queue.AggregateResult, error)
	ResetAll(ctx context.Context, variant model.TableVariant) error
}

// AutoStopRegistry records stop entries for started sessions.
type AutoStopRegistry interface {
	RegisterSessionStart(ctx context.Context, handler string, reset bool) error
	RegisterForTargeting(ctx context.Context, cfg *model.TargetingConfig) error
}

// TriggerScheduler manages the one-shot triggers backing the daily restarts.
type TriggerScheduler interface {
	CreateOneShot(ctx context.Context, handler string, at time.Time) (string, error)
	DeleteByHandler(ctx context.Context, handler string) error
}

// TaskControl stops and lists running workloads.
type TaskControl interface {
	StopAll(ctx context.Context) error
	StopTargeting(ctx context.Context, targetingID int) error
	GetRunning(ctx context.Context) ([]model.Execution, error)
}

// Handlers composes the orchestrator's components behind the entry points.
type Handlers struct {
	configs  ConfigSource
	router   Dispatcher
	queue    QueueAdmin
	autoStop AutoStopRegistry
	triggers TriggerScheduler
	control  TaskControl
	cal      *calendar.Calendar
	store    props.Store
	tp       clock.TimeProvider
	logger   *slog.Logger
	metrics  statsd.Sink
}

// HandlersOptions holds the dependencies for the entry points.
type HandlersOptions struct {
	Configs  ConfigSource
	Router   Dispatcher
	Queue    QueueAdmin
	AutoStop AutoStopRegistry
	Triggers TriggerScheduler
	Control  TaskControl
	Calendar *calendar.Calendar
	// Store persists the active-session info property. Optional.
	Store        props.Store
	TimeProvider clock.TimeProvider
	Logger       *slog.Logger
	// Metrics receives dispatch and queue-build counters. Optional.
	Metrics statsd.Sink
}

// New creates the entry-point handlers.
func New(opts HandlersOptions) *Handlers {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		configs:  opts.Configs,
		router:   opts.Router,
		queue:    opts.Queue,
		autoStop: opts.AutoStop,
		triggers: opts.Triggers,
		control:  opts.Control,
		cal:      opts.Calendar,
		store:    opts.Store,
		tp:       tp,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// TargetingOutcome is one targeting's dispatch outcome inside a session.
type TargetingOutcome struct {
	TargetingID int                 `json:"targeting_id"`
	Success     bool                `json:"success"`
	Mode        model.ExecutionMode `json:"mode,omitempty"`
	TaskName    string              `json:"task_name,omitempty"`
	Duplicate   bool                `json:"duplicate,omitempty"`
	Error       string              `json:"error,omitempty"`
	ErrorType   string              `json:"error_type,omitempty"`
}

// SessionResult is the outcome of a session-start entry point.
type SessionResult struct {
	Success   bool               `json:"success"`
	Skipped   bool               `json:"skipped,omitempty"`
	Message   string             `json:"message,omitempty"`
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Details   []TargetingOutcome `json:"details,omitempty"`
	NextRunAt string             `json:"next_run_at,omitempty"`
}

// StartFormSenderFromTriggerAt7 is the 07:00 JST trigger entry point.
func (h *Handlers) StartFormSenderFromTriggerAt7(ctx context.Context) (*SessionResult, error) {
	return h.startFromTrigger(ctx, HandlerStartAt7, morningHour)
}

// StartFormSenderFromTriggerAt13 is the 13:00 JST trigger entry point.
func (h *Handlers) StartFormSenderFromTriggerAt13(ctx context.Context) (*SessionResult, error) {
	return h.startFromTrigger(ctx, HandlerStartAt13, afternoonHour)
}

// StartFormSenderFromTrigger is the generic trigger entry point; it
// preserves the current JST hour when rescheduling.
func (h *Handlers) StartFormSenderFromTrigger(ctx context.Context) (*SessionResult, error) {
	nowJST := h.tp.Now().In(clock.JST)
	return h.startFromTrigger(ctx, HandlerStart, nowJST.Hour())
}

// startFromTrigger runs one scheduled session: business-day gate, dispatch
// of every active targeting, and next-business-day rescheduling.
func (h *Handlers) startFromTrigger(ctx context.Context, handler string, hour int) (*SessionResult, error) {
	now := h.tp.Now()

	// Any pending trigger for this handler is stale once we are running.
	if err := h.triggers.DeleteByHandler(ctx, handler); err != nil {
		h.logger.WarnContext(ctx, "stale trigger cleanup failed",
			slog.String("handler", handler),
			slog.String("error", err.Error()))
	}

	if !h.cal.IsBusinessDay(ctx, now) {
		next := h.cal.NextWeekdayTimeAt(ctx, hour, now)
		nextISO := h.scheduleNext(ctx, handler, next)
		h.logger.InfoContext(ctx, "non-business day, session skipped",
			slog.String("handler", handler),
			slog.String("next_run_at", nextISO))
		return &SessionResult{
			Success:   true,
			Skipped:   true,
			Message:   "not a business day",
			NextRunAt: nextISO,
		}, nil
	}

	if err := h.autoStop.RegisterSessionStart(ctx, handler, true); err != nil {
		h.logger.WarnContext(ctx, "session auto-stop registration failed",
			slog.String("handler", handler),
			slog.String("error", err.Error()))
	}

	result := h.dispatchActiveTargetings(ctx, handler, dispatch.TriggerAutomated)

	next := h.cal.NextWeekdayTimeAt(ctx, hour, now)
	result.NextRunAt = h.scheduleNext(ctx, handler, next)

	h.recordSessionInfo(ctx, handler, now, result)
	return result, nil
}

// StartFormSenderAll starts every active targeting manually, without the
// business-day gate and without rescheduling.
func (h *Handlers) StartFormSenderAll(ctx context.Context) (*SessionResult, error) {
	const handler = "startFormSenderAll"
	if err := h.autoStop.RegisterSessionStart(ctx, handler, true); err != nil {
		h.logger.WarnContext(ctx, "session auto-stop registration failed",
			slog.String("handler", handler),
			slog.String("error", err.Error()))
	}
	result := h.dispatchActiveTargetings(ctx, handler, dispatch.TriggerManual)
	h.recordSessionInfo(ctx, handler, h.tp.Now(), result)
	return result, nil
}

// StartFormSender starts one targeting manually.
func (h *Handlers) StartFormSender(ctx context.Context, targetingID int) (*SessionResult, error) {
	const handler = "startFormSender"
	outcome := h.dispatchOne(ctx, targetingID, handler, dispatch.TriggerManual)

	result := &SessionResult{
		Success:   outcome.Success,
		Processed: 1,
		Details:   []TargetingOutcome{outcome},
	}
	if !outcome.Success {
		result.Failed = 1
		result.Message = outcome.Error
	}
	return result, nil
}

func (h *Handlers) dispatchActiveTargetings(ctx context.Context, handler, trigger string) *SessionResult {
	targetings, err := h.configs.ListActiveTargetings(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "active targeting listing failed",
			slog.String("error", err.Error()))
		return &SessionResult{
			Success: false,
			Message: err.Error(),
		}
	}
	if len(targetings) == 0 {
		return &SessionResult{Success: true, Message: "no active targetings"}
	}

	result := &SessionResult{Success: true}
	for _, t := range targetings {
		outcome := h.dispatchOne(ctx, t.TargetingID, handler, trigger)
		result.Details = append(result.Details, outcome)
		result.Processed++
		if !outcome.Success {
			result.Failed++
		}
	}
	if result.Failed == result.Processed {
		result.Success = false
		result.Message = "every targeting failed to dispatch"
	}
	return result
}

// dispatchOne routes one targeting and registers its auto-stop entries on
// success. Failures are captured in the outcome, never propagated.
func (h *Handlers) dispatchOne(ctx context.Context, targetingID int, handler, trigger string) TargetingOutcome {
	started := h.tp.Now()
	res, err := h.router.Dispatch(ctx, targetingID, dispatch.Options{
		Trigger: trigger,
		Handler: handler,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "dispatch failed",
			slog.Int("targeting_id", targetingID),
			slog.String("error", err.Error()))
		metrics.EmitDispatch(h.metrics, metrics.DispatchMetric{
			Trigger:  trigger,
			Result:   metrics.ResultError,
			Duration: h.tp.Now().Sub(started),
			Err:      err,
		})
		return TargetingOutcome{
			TargetingID: targetingID,
			Error:       err.Error(),
			ErrorType:   string(apperrors.GetCode(err)),
		}
	}

	result := metrics.ResultSuccess
	if !res.Success {
		result = metrics.ResultError
	}
	if res.Duplicate {
		result = metrics.ResultNoop
	}
	metrics.EmitDispatch(h.metrics, metrics.DispatchMetric{
		Mode:     string(res.Mode),
		Trigger:  trigger,
		Result:   result,
		Duration: h.tp.Now().Sub(started),
	})

	outcome := TargetingOutcome{
		TargetingID: targetingID,
		Success:     res.Success,
		Mode:        res.Mode,
		TaskName:    res.TaskName,
		Duplicate:   res.Duplicate,
		Error:       res.Message,
		ErrorType:   res.ErrorType,
	}
	if res.Success {
		outcome.Error = ""
		h.registerAutoStop(ctx, targetingID)
	}
	return outcome
}

func (h *Handlers) registerAutoStop(ctx context.Context, targetingID int) {
	cfg, err := h.configs.GetTargetingConfig(ctx, targetingID)
	if err != nil || cfg == nil {
		h.logger.WarnContext(ctx, "auto-stop registration skipped, config unavailable",
			slog.Int("targeting_id", targetingID))
		return
	}
	if err := h.autoStop.RegisterForTargeting(ctx, cfg); err != nil {
		h.logger.WarnContext(ctx, "auto-stop registration failed",
			slog.Int("targeting_id", targetingID),
			slog.String("error", err.Error()))
	}
}

// scheduleNext binds the handler's next one-shot trigger and returns its
// fire time in JST ISO form, or "" when the trigger could not be created.
func (h *Handlers) scheduleNext(ctx context.Context, handler string, at time.Time) string {
	if _, err := h.triggers.CreateOneShot(ctx, handler, at); err != nil {
		h.logger.ErrorContext(ctx, "next-session trigger creation failed",
			slog.String("handler", handler),
			slog.Time("at", at),
			slog.String("error", err.Error()))
		return ""
	}
	return clock.ISOJST(at)
}

func (h *Handlers) recordSessionInfo(ctx context.Context, handler string, startedAt time.Time, result *SessionResult) {
	if h.store == nil {
		return
	}
	info := model.ActiveSessionInfo{
		Handler:      handler,
		StartedAtISO: clock.ISOJST(startedAt),
		Targetings:   result.Processed,
		Dispatched:   result.Processed - result.Failed,
		Failed:       result.Failed,
	}
	if err := props.SetJSON(ctx, h.store, props.KeyActiveSessionInfo, &info); err != nil {
		h.logger.WarnContext(ctx, "session info persistence failed",
			slog.String("error", err.Error()))
	}
}

// StopResult is the outcome of a stop operation.
type StopResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StopAllRunningFormSenderTasks cancels every running workload.
func (h *Handlers) StopAllRunningFormSenderTasks(ctx context.Context) (*StopResult, error) {
	if err := h.control.StopAll(ctx); err != nil {
		return &StopResult{Success: false, Error: err.Error()}, err
	}
	return &StopResult{Success: true, Message: "stop requested for all running tasks"}, nil
}

// StopSpecificFormSenderTask cancels the workloads of one targeting.
func (h *Handlers) StopSpecificFormSenderTask(ctx context.Context, targetingID int) (*StopResult, error) {
	if targetingID <= 0 {
		err := apperrors.TargetingConfigf("targeting id %d is invalid", targetingID)
		return &StopResult{Success: false, Error: err.Error()}, err
	}
	if err := h.control.StopTargeting(ctx, targetingID); err != nil {
		return &StopResult{Success: false, Error: err.Error()}, err
	}
	return &StopResult{Success: true, Message: "stop requested"}, nil
}

// RunningResult lists the currently running workloads.
type RunningResult struct {
	Success    bool              `json:"success"`
	Count      int               `json:"count"`
	Executions []model.Execution `json:"executions"`
	Error      string            `json:"error,omitempty"`
}

// GetRunningFormSenderTasks lists running workloads across backends.
func (h *Handlers) GetRunningFormSenderTasks(ctx context.Context) (*RunningResult, error) {
	executions, err := h.control.GetRunning(ctx)
	if err != nil {
		return &RunningResult{Success: false, Error: err.Error()}, err
	}
	return &RunningResult{
		Success:    true,
		Count:      len(executions),
		Executions: executions,
	}, nil
}

// QueueOptions select the variant for a manual queue build.
type QueueOptions struct {
	TestMode bool `json:"test_mode"`
	UseExtra bool `json:"use_extra"`
}

// BuildSendQueueForTargeting rebuilds today's queue for one targeting.
func (h *Handlers) BuildSendQueueForTargeting(ctx context.Context, targetingID int, opts QueueOptions) (*queue.BuildResult, error) {
	started := h.tp.Now()
	res, err := h.queue.BuildForTargeting(ctx, targetingID, queue.BuildOptions{
		TestMode: opts.TestMode,
		UseExtra: opts.UseExtra,
	})
	h.emitQueueBuild(res, h.tp.Now().Sub(started), err)
	return res, err
}

func (h *Handlers) emitQueueBuild(res *queue.BuildResult, elapsed time.Duration, err error) {
	m := metrics.QueueBuildMetric{
		Result:   metrics.ResultSuccess,
		Duration: elapsed,
		Err:      err,
	}
	if err != nil || (res != nil && !res.Success) {
		m.Result = metrics.ResultError
	}
	if res != nil {
		m.Variant = string(res.Variant)
		m.Chunked = res.Chunked
		m.Inserted = int64(res.Inserted)
	}
	metrics.EmitQueueBuild(h.metrics, m)
}

// BuildSendQueueForAllTargetings rebuilds today's queue for every active
// targeting, aggregating per-targeting failures.
func (h *Handlers) BuildSendQueueForAllTargetings(ctx context.Context) (*queue.AggregateResult, error) {
	return h.queue.BuildForAllActive(ctx, queue.BuildOptions{})
}

// ResetSendQueueAllDaily resets the production queue.
func (h *Handlers) ResetSendQueueAllDaily(ctx context.Context) (*StopResult, error) {
	if err := h.queue.ResetAll(ctx, model.TablePrimary); err != nil {
		return &StopResult{Success: false, Error: err.Error()}, err
	}
	return &StopResult{Success: true, Message: "send queue reset"}, nil
}

// ResetSendQueueAllDailyExtra resets the extra-company queue.
func (h *Handlers) ResetSendQueueAllDailyExtra(ctx context.Context) (*StopResult, error) {
	if err := h.queue.ResetAll(ctx, model.TableExtra); err != nil {
		return &StopResult{Success: false, Error: err.Error()}, err
	}
	return &StopResult{Success: true, Message: "extra send queue reset"}, nil
}
