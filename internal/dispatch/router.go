package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/queue"
	"github.com/neurify-goto/form-sender-orchestrator/internal/tasks"
)

const (
	defaultWorkersPerWorkflow = 1
	maxWorkersPerWorkflow     = 4
	maxBatchWorkers           = 16

	// TriggerAutomated labels dispatches fired by scheduled triggers.
	TriggerAutomated = "automated"
	// TriggerManual labels operator-initiated dispatches.
	TriggerManual = "manual"
)

// ConfigSource is the slice of the spreadsheet store the router reads.
type ConfigSource interface {
	GetTargetingConfig(ctx context.Context, targetingID int) (*model.TargetingConfig, error)
}

// QueueBuilder materializes the day's work queue before a dispatch.
type QueueBuilder interface {
	BuildForTargeting(ctx context.Context, targetingID int, opts queue.BuildOptions) (*queue.BuildResult, error)
}

// ArtifactStore uploads, signs, and deletes dispatch artifacts.
type ArtifactStore interface {
	Upload(ctx context.Context, object string, body []byte) error
	Delete(ctx context.Context, object string) error
	SignedGetURL(object string, ttl time.Duration) (string, error)
	ObjectURI(object string) string
}

// TaskEnqueuer pushes the dispatch payload onto the task queue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, req tasks.EnqueueRequest) (*tasks.EnqueueResult, error)
}

// WorkflowTrigger fires the CI fallback workflow.
type WorkflowTrigger interface {
	TriggerWorkflow(ctx context.Context, ref string, inputs map[string]string) error
}

// RunIndexSource hands out run-index bases.
type RunIndexSource interface {
	Allocate(ctx context.Context, targetingID, delta int) (int, error)
}

// ConfigValidator asks the dispatcher to pre-validate the client config.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, cfg *model.TargetingConfig) error
}

// Overrides are the operator-tunable dispatch knobs.
type Overrides struct {
	// Parallelism caps payload parallelism when > 0.
	Parallelism int
	// Workers replaces the per-workflow worker count when > 0.
	Workers int
	// WorkersPerWorkflow is the configured default worker count.
	WorkersPerWorkflow int
	// ShardCount is the queue shard count (default 8).
	ShardCount int
	// BatchInstanceCount is the global batch instance default.
	BatchInstanceCount int
	// Branch pins workers to a code branch; empty means the default.
	Branch string
	// WorkflowRef is the git ref used for CI workflow dispatches.
	WorkflowRef string
}

// RouterOptions wires a Router.
type RouterOptions struct {
	Configs      ConfigSource
	Queue        QueueBuilder
	Artifacts    ArtifactStore
	Tasks        TaskEnqueuer
	Workflow     WorkflowTrigger
	RunIndex     RunIndexSource
	Validator    ConfigValidator
	Settings     GlobalSettings
	Batch        BatchDefaults
	Overrides    Overrides
	TimeProvider clock.TimeProvider
	Logger       *slog.Logger
	// NewExecutionID overrides UUID generation for tests.
	NewExecutionID func() string
}

// Router validates, packages, and dispatches one targeting's workload.
type Router struct {
	configs   ConfigSource
	queue     QueueBuilder
	artifacts ArtifactStore
	tasks     TaskEnqueuer
	workflow  WorkflowTrigger
	runIndex  RunIndexSource
	validator ConfigValidator
	settings  GlobalSettings
	batch     BatchDefaults
	overrides Overrides
	tp        clock.TimeProvider
	logger    *slog.Logger
	newID     func() string
}

// NewRouter creates a dispatch router.
func NewRouter(opts RouterOptions) *Router {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewExecutionID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Router{
		configs:   opts.Configs,
		queue:     opts.Queue,
		artifacts: opts.Artifacts,
		tasks:     opts.Tasks,
		workflow:  opts.Workflow,
		runIndex:  opts.RunIndex,
		validator: opts.Validator,
		settings:  opts.Settings,
		batch:     opts.Batch,
		overrides: opts.Overrides,
		tp:        tp,
		logger:    logger,
		newID:     newID,
	}
}

// Options select the variant and provenance of one dispatch.
type Options struct {
	TestMode bool
	UseExtra bool
	// Trigger labels how the dispatch was initiated (automated | manual).
	Trigger string
	// Handler is the entry-point name recorded in the payload metadata.
	Handler string
}

// Result is the outcome of a dispatch attempt.
type Result struct {
	Success      bool                   `json:"success"`
	ExecutionID  string                 `json:"execution_id,omitempty"`
	Mode         model.ExecutionMode    `json:"mode,omitempty"`
	RunTotal     int                    `json:"run_total,omitempty"`
	RunIndexBase int                    `json:"run_index_base,omitempty"`
	Payload      *model.DispatchPayload `json:"payload,omitempty"`
	TaskName     string                 `json:"task_name,omitempty"`
	Duplicate    bool                   `json:"duplicate,omitempty"`
	QueueResult  *queue.BuildResult     `json:"queue_result,omitempty"`
	Message      string                 `json:"message,omitempty"`
	ErrorType    string                 `json:"error_type,omitempty"`
}

func failure(err error) *Result {
	return &Result{
		Success:   false,
		Message:   err.Error(),
		ErrorType: string(apperrors.GetCode(err)),
	}
}

// Dispatch runs the full routing algorithm for one targeting.
func (r *Router) Dispatch(ctx context.Context, targetingID int, opts Options) (*Result, error) {
	cfg, err := r.configs.GetTargetingConfig(ctx, targetingID)
	if err != nil {
		return failure(err), err
	}
	if cfg == nil {
		err := apperrors.TargetingConfigf("targeting %d not found", targetingID)
		return failure(err), err
	}

	mode := ResolveExecutionMode(ctx, r.logger, cfg, r.settings)
	testMode := opts.TestMode
	useExtra := !testMode && (opts.UseExtra || cfg.UseExtraTable.True())
	variant := model.ResolveTableVariant(testMode, useExtra)

	runTotal := max(1, cfg.ConcurrentWorkflow)
	instanceCount := 0
	if mode == model.ModeBatch {
		instanceCount = firstPositive(cfg.Batch.InstanceCount, r.overrides.BatchInstanceCount)
		if instanceCount > 0 {
			runTotal = max(runTotal, instanceCount)
		}
	}

	parallelism := runTotal
	if r.overrides.Parallelism > 0 {
		parallelism = min(parallelism, r.overrides.Parallelism)
	}

	workers := clampInt(firstPositive(r.overrides.Workers, r.overrides.WorkersPerWorkflow, defaultWorkersPerWorkflow), 1, maxWorkersPerWorkflow)
	if mode == model.ModeBatch && cfg.Batch.WorkersPerWorkflow > 0 {
		workers = clampInt(cfg.Batch.WorkersPerWorkflow, 1, maxBatchWorkers)
	}

	shards := r.overrides.ShardCount
	if shards <= 0 {
		shards = queue.DefaultShards
	}

	runIndexBase, err := r.runIndex.Allocate(ctx, targetingID, runTotal)
	if err != nil {
		return failure(err), err
	}

	if mode != model.ModeGitHub && r.validator != nil {
		if err := r.validator.ValidateConfig(ctx, cfg); err != nil {
			r.logger.WarnContext(ctx, "dispatcher rejected client config",
				slog.Int("targeting_id", targetingID),
				slog.String("error", err.Error()))
			return failure(err), err
		}
	}

	queueRes, err := r.queue.BuildForTargeting(ctx, targetingID, queue.BuildOptions{
		TestMode: testMode,
		UseExtra: useExtra,
	})
	if err != nil {
		return failure(err), err
	}

	if mode == model.ModeGitHub {
		return r.dispatchWorkflow(ctx, cfg, opts, runTotal, runIndexBase, queueRes)
	}

	executionID := r.newID()
	now := r.tp.Now()

	object := fmt.Sprintf("%s/targeting-%d-%s.json", clock.CompactDateJST(now), targetingID, executionID)
	configBody, err := json.Marshal(cfg)
	if err != nil {
		wrapped := apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "encode client config")
		return failure(wrapped), wrapped
	}
	if err := r.artifacts.Upload(ctx, object, configBody); err != nil {
		return failure(err), err
	}

	result, err := r.enqueueDispatch(ctx, cfg, opts, enqueueInputs{
		mode:         mode,
		variant:      variant,
		executionID:  executionID,
		object:       object,
		runTotal:     runTotal,
		parallelism:  parallelism,
		workers:      workers,
		shards:       shards,
		instances:    instanceCount,
		runIndexBase: runIndexBase,
		now:          now,
	})
	if err != nil {
		// The object is orphaned once dispatch fails; deletion is best
		// effort.
		if delErr := r.artifacts.Delete(ctx, object); delErr != nil {
			r.logger.WarnContext(ctx, "artifact cleanup failed",
				slog.String("object", object),
				slog.String("error", delErr.Error()))
		}
		return failure(err), err
	}
	result.QueueResult = queueRes
	return result, nil
}

type enqueueInputs struct {
	mode         model.ExecutionMode
	variant      model.TableVariant
	executionID  string
	object       string
	runTotal     int
	parallelism  int
	workers      int
	shards       int
	instances    int
	runIndexBase int
	now          time.Time
}

func (r *Router) enqueueDispatch(ctx context.Context, cfg *model.TargetingConfig, opts Options, in enqueueInputs) (*Result, error) {
	ttl := time.Duration(ResolveSignedURLTTLHours(in.mode, r.batch.SignedURLTTLHours)) * time.Hour
	signedURL, err := r.artifacts.SignedGetURL(in.object, ttl)
	if err != nil {
		return nil, err
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerAutomated
	}

	var branch *string
	if r.overrides.Branch != "" {
		b := r.overrides.Branch
		branch = &b
	}

	payload := &model.DispatchPayload{
		ExecutionID:        in.executionID,
		TargetingID:        cfg.TargetingID,
		ClientConfigRef:    signedURL,
		ClientConfigObject: r.artifacts.ObjectURI(in.object),
		Tables:             model.TableSetFor(in.variant),
		Execution: model.ExecutionSpec{
			RunTotal:           in.runTotal,
			Parallelism:        in.parallelism,
			RunIndexBase:       in.runIndexBase,
			Shards:             in.shards,
			WorkersPerWorkflow: in.workers,
		},
		TestMode:        in.variant == model.TableTest,
		Branch:          branch,
		WorkflowTrigger: trigger,
		Metadata: map[string]string{
			"triggered_at_jst": clock.ISOJST(in.now),
			"gas_trigger":      opts.Handler,
		},
		Mode:           model.DispatcherModeFor(in.mode),
		DispatcherMode: model.DispatcherModeFor(in.mode),
	}

	if in.mode == model.ModeBatch {
		spec := BuildBatchSpec(BatchInputs{
			Workers:       in.workers,
			Parallelism:   in.parallelism,
			InstanceCount: in.instances,
			Targeting:     cfg.Batch,
			Defaults:      r.batch,
		})
		payload.Batch = spec
		payload.Execution.Parallelism = min(payload.Execution.Parallelism, spec.MaxParallelism)
		if spec.PreferSpot {
			payload.CPUClass = "gcp_spot"
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "encode dispatch payload")
	}

	enqueueRes, err := r.tasks.Enqueue(ctx, tasks.EnqueueRequest{
		TargetingID:    cfg.TargetingID,
		RunIndexBase:   in.runIndexBase,
		TargetURL:      r.settings.DispatcherURL + "/v1/form-sender/dispatch",
		Audience:       r.settings.DispatcherURL,
		ServiceAccount: r.settings.DispatcherServiceAccount,
		Payload:        body,
	})
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "dispatch enqueued",
		slog.Int("targeting_id", cfg.TargetingID),
		slog.String("mode", string(in.mode)),
		slog.String("execution_id", in.executionID),
		slog.Int("run_total", in.runTotal),
		slog.Bool("duplicate", enqueueRes.Duplicate))

	return &Result{
		Success:      true,
		ExecutionID:  in.executionID,
		Mode:         in.mode,
		RunTotal:     in.runTotal,
		RunIndexBase: in.runIndexBase,
		Payload:      payload,
		TaskName:     enqueueRes.TaskName,
		Duplicate:    enqueueRes.Duplicate,
	}, nil
}

// dispatchWorkflow fires the CI fallback with the dispatch parameters as
// workflow inputs.
func (r *Router) dispatchWorkflow(ctx context.Context, cfg *model.TargetingConfig, opts Options, runTotal, runIndexBase int, queueRes *queue.BuildResult) (*Result, error) {
	ref := r.overrides.WorkflowRef
	if ref == "" {
		ref = "main"
	}
	inputs := map[string]string{
		"targeting_id":   strconv.Itoa(cfg.TargetingID),
		"run_total":      strconv.Itoa(runTotal),
		"run_index_base": strconv.Itoa(runIndexBase),
	}
	if opts.TestMode {
		inputs["test_mode"] = "true"
	}

	if err := r.workflow.TriggerWorkflow(ctx, ref, inputs); err != nil {
		return failure(err), err
	}

	r.logger.InfoContext(ctx, "workflow dispatch triggered",
		slog.Int("targeting_id", cfg.TargetingID),
		slog.Int("run_total", runTotal))

	return &Result{
		Success:      true,
		Mode:         model.ModeGitHub,
		RunTotal:     runTotal,
		RunIndexBase: runIndexBase,
		QueueResult:  queueRes,
	}, nil
}
