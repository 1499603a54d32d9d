package taskcontrol

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	"github.com/neurify-goto/form-sender-orchestrator/internal/github"
)

// ExecutionLister is the dispatcher-side surface the controller needs.
type ExecutionLister interface {
	ListRunning(ctx context.Context, targetingID int) ([]model.Execution, error)
	Cancel(ctx context.Context, executionID string) error
}

// WorkflowRunner is the CI-side surface the controller needs.
type WorkflowRunner interface {
	ListInProgressRuns(ctx context.Context) ([]github.WorkflowRun, error)
	CancelRun(ctx context.Context, runID int64) error
}

// Controller stops running workloads, preferring the dispatcher and falling
// back to the CI workflow backend.
type Controller struct {
	dispatcher ExecutionLister
	workflows  WorkflowRunner
	logger     *slog.Logger
}

// ControllerOptions holds the dependencies for a Controller. A nil
// Dispatcher degrades the controller to CI-only operation.
type ControllerOptions struct {
	Dispatcher ExecutionLister
	Workflows  WorkflowRunner
	Logger     *slog.Logger
}

// NewController creates a task controller.
func NewController(opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		dispatcher: opts.Dispatcher,
		workflows:  opts.Workflows,
		logger:     logger,
	}
}

// StopResult aggregates one stop pass across backends.
type StopResult struct {
	Stopped []string `json:"stopped"`
	Failed  []string `json:"failed,omitempty"`
}

// GetRunning lists running workloads from every backend, normalizing CI runs
// into the execution shape.
func (c *Controller) GetRunning(ctx context.Context) ([]model.Execution, error) {
	var executions []model.Execution

	if c.dispatcher != nil {
		listed, err := c.dispatcher.ListRunning(ctx, 0)
		if err != nil {
			c.logger.WarnContext(ctx, "dispatcher listing failed",
				slog.String("error", err.Error()))
		} else {
			executions = append(executions, listed...)
		}
	}

	runs, err := c.workflows.ListInProgressRuns(ctx)
	if err != nil {
		if len(executions) == 0 {
			return nil, err
		}
		c.logger.WarnContext(ctx, "workflow listing failed",
			slog.String("error", err.Error()))
		return executions, nil
	}
	for _, run := range runs {
		executions = append(executions, model.Execution{
			ExecutionID: strconv.FormatInt(run.ID, 10),
			TargetingID: run.TargetingID(),
			Status:      run.Status,
			StartedAt:   run.StartedAt,
			Backend:     "github",
		})
	}
	return executions, nil
}

// StopAll cancels every running workload on every backend. Per-item
// failures are collected, not fatal.
func (c *Controller) StopAll(ctx context.Context) error {
	result := &StopResult{}

	if c.dispatcher != nil {
		executions, err := c.dispatcher.ListRunning(ctx, 0)
		if err != nil {
			c.logger.WarnContext(ctx, "dispatcher listing failed",
				slog.String("error", err.Error()))
		} else {
			for _, e := range executions {
				c.cancelExecution(ctx, e.ExecutionID, result)
			}
		}
	}

	runs, err := c.workflows.ListInProgressRuns(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "workflow listing failed",
			slog.String("error", err.Error()))
	} else {
		for _, run := range runs {
			c.cancelRun(ctx, run.ID, result)
		}
	}

	c.logger.InfoContext(ctx, "stop-all finished",
		slog.Int("stopped", len(result.Stopped)),
		slog.Int("failed", len(result.Failed)))
	return nil
}

// StopTargeting cancels workloads for one targeting: dispatcher first, then
// the CI fallback when the dispatcher reports nothing.
func (c *Controller) StopTargeting(ctx context.Context, targetingID int) error {
	result := &StopResult{}

	if c.dispatcher != nil {
		executions, err := c.dispatcher.ListRunning(ctx, targetingID)
		if err != nil {
			c.logger.WarnContext(ctx, "dispatcher listing failed",
				slog.Int("targeting_id", targetingID),
				slog.String("error", err.Error()))
		} else if len(executions) > 0 {
			for _, e := range executions {
				c.cancelExecution(ctx, e.ExecutionID, result)
			}
			return nil
		}
	}

	runs, err := c.workflows.ListInProgressRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.TargetingID() != targetingID {
			continue
		}
		c.cancelRun(ctx, run.ID, result)
	}

	c.logger.InfoContext(ctx, "targeted stop finished",
		slog.Int("targeting_id", targetingID),
		slog.Int("stopped", len(result.Stopped)),
		slog.Int("failed", len(result.Failed)))
	return nil
}

func (c *Controller) cancelExecution(ctx context.Context, executionID string, result *StopResult) {
	if err := c.dispatcher.Cancel(ctx, executionID); err != nil {
		c.logger.WarnContext(ctx, "execution cancel failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
		result.Failed = append(result.Failed, executionID)
		return
	}
	result.Stopped = append(result.Stopped, executionID)
}

func (c *Controller) cancelRun(ctx context.Context, runID int64, result *StopResult) {
	id := strconv.FormatInt(runID, 10)
	if err := c.workflows.CancelRun(ctx, runID); err != nil {
		c.logger.WarnContext(ctx, "workflow cancel failed",
			slog.String("run_id", id),
			slog.String("error", err.Error()))
		result.Failed = append(result.Failed, id)
		return
	}
	result.Stopped = append(result.Stopped, id)
}
