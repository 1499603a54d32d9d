package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/queue"
	"github.com/neurify-goto/form-sender-orchestrator/internal/tasks"
)

type routerFixture struct {
	configs   *stubConfigs
	queue     *stubQueue
	artifacts *stubArtifacts
	tasks     *stubTasks
	workflow  *stubWorkflow
	runIndex  *stubRunIndex
	validator *stubValidator
}

type stubConfigs struct {
	cfg *model.TargetingConfig
	err error
}

func (s *stubConfigs) GetTargetingConfig(context.Context, int) (*model.TargetingConfig, error) {
	return s.cfg, s.err
}

type stubQueue struct {
	result *queue.BuildResult
	err    error
	calls  []queue.BuildOptions
}

func (s *stubQueue) BuildForTargeting(_ context.Context, _ int, opts queue.BuildOptions) (*queue.BuildResult, error) {
	s.calls = append(s.calls, opts)
	return s.result, s.err
}

type stubArtifacts struct {
	uploaded  map[string][]byte
	deleted   []string
	uploadErr error
	signErr   error
}

func (s *stubArtifacts) Upload(_ context.Context, object string, body []byte) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	if s.uploaded == nil {
		s.uploaded = map[string][]byte{}
	}
	s.uploaded[object] = body
	return nil
}

func (s *stubArtifacts) Delete(_ context.Context, object string) error {
	s.deleted = append(s.deleted, object)
	return nil
}

func (s *stubArtifacts) SignedGetURL(object string, _ time.Duration) (string, error) {
	if s.signErr != nil {
		return "", s.signErr
	}
	return "https://signed.example.com/" + object, nil
}

func (s *stubArtifacts) ObjectURI(object string) string { return "gs://fs-artifacts/" + object }

type stubTasks struct {
	requests []tasks.EnqueueRequest
	result   *tasks.EnqueueResult
	err      error
}

func (s *stubTasks) Enqueue(_ context.Context, req tasks.EnqueueRequest) (*tasks.EnqueueResult, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &tasks.EnqueueResult{TaskName: "q/tasks/fs-test"}, nil
}

type stubWorkflow struct {
	refs   []string
	inputs []map[string]string
	err    error
}

func (s *stubWorkflow) TriggerWorkflow(_ context.Context, ref string, inputs map[string]string) error {
	s.refs = append(s.refs, ref)
	s.inputs = append(s.inputs, inputs)
	return s.err
}

type stubRunIndex struct {
	base   int
	deltas []int
	err    error
}

func (s *stubRunIndex) Allocate(_ context.Context, _ int, delta int) (int, error) {
	s.deltas = append(s.deltas, delta)
	return s.base, s.err
}

type stubValidator struct {
	err   error
	calls int
}

func (s *stubValidator) ValidateConfig(context.Context, *model.TargetingConfig) error {
	s.calls++
	return s.err
}

func routerConfig() *model.TargetingConfig {
	return &model.TargetingConfig{
		TargetingID:        42,
		ClientID:           101,
		Active:             true,
		ConcurrentWorkflow: 2,
		SessionMaxHours:    8,
		Client:             model.ClientProfile{CompanyName: "ニューリファイ株式会社"},
	}
}

func newRouterFixture(cfg *model.TargetingConfig) *routerFixture {
	return &routerFixture{
		configs:   &stubConfigs{cfg: cfg},
		queue:     &stubQueue{result: &queue.BuildResult{Success: true, Inserted: 900}},
		artifacts: &stubArtifacts{},
		tasks:     &stubTasks{},
		workflow:  &stubWorkflow{},
		runIndex:  &stubRunIndex{base: 6},
		validator: &stubValidator{},
	}
}

func (f *routerFixture) router(settings GlobalSettings, overrides Overrides) *Router {
	return NewRouter(RouterOptions{
		Configs:        f.configs,
		Queue:          f.queue,
		Artifacts:      f.artifacts,
		Tasks:          f.tasks,
		Workflow:       f.workflow,
		RunIndex:       f.runIndex,
		Validator:      f.validator,
		Settings:       settings,
		Overrides:      overrides,
		TimeProvider:   clock.NewFixedTimeProvider(time.Date(2024, 6, 10, 7, 0, 0, 0, clock.JST)),
		NewExecutionID: func() string { return "exec-0001" },
	})
}

func TestDispatchServerlessHappyPath(t *testing.T) {
	cfg := routerConfig()
	cfg.UseServerless = model.TriTrue
	f := newRouterFixture(cfg)
	r := f.router(readySettings(), Overrides{})

	res, err := r.Dispatch(context.Background(), 42, Options{Handler: "startFormSender"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, model.ModeServerless, res.Mode)
	assert.Equal(t, "exec-0001", res.ExecutionID)
	assert.Equal(t, 2, res.RunTotal)
	assert.Equal(t, 6, res.RunIndexBase)
	assert.Equal(t, []int{2}, f.runIndex.deltas)
	assert.Equal(t, 1, f.validator.calls)

	// The artifact path embeds the JST day and execution id.
	require.Len(t, f.artifacts.uploaded, 1)
	object := "20240610/targeting-42-exec-0001.json"
	require.Contains(t, f.artifacts.uploaded, object)
	var uploadedCfg model.TargetingConfig
	require.NoError(t, json.Unmarshal(f.artifacts.uploaded[object], &uploadedCfg))
	assert.Equal(t, 42, uploadedCfg.TargetingID)

	payload := res.Payload
	require.NotNil(t, payload)
	assert.Equal(t, "https://signed.example.com/"+object, payload.ClientConfigRef)
	assert.Equal(t, "gs://fs-artifacts/"+object, payload.ClientConfigObject)
	assert.Equal(t, model.DispatcherModeCloudRun, payload.Mode)
	assert.Equal(t, model.DispatcherModeCloudRun, payload.DispatcherMode)
	assert.Nil(t, payload.Batch)
	assert.Nil(t, payload.Branch)
	assert.False(t, payload.TestMode)
	assert.Equal(t, TriggerAutomated, payload.WorkflowTrigger)
	assert.Equal(t, "startFormSender", payload.Metadata["gas_trigger"])
	assert.Equal(t, "2024-06-10T07:00:00+09:00", payload.Metadata["triggered_at_jst"])
	assert.Equal(t, "send_queue", payload.Tables.SendQueueTable)

	require.Len(t, f.tasks.requests, 1)
	req := f.tasks.requests[0]
	assert.Equal(t, 42, req.TargetingID)
	assert.Equal(t, 6, req.RunIndexBase)
	assert.Equal(t, "https://dispatcher.example.com/v1/form-sender/dispatch", req.TargetURL)
	assert.Equal(t, "https://dispatcher.example.com", req.Audience)
}

func TestDispatchBatchAttachesSpecAndClampsParallelism(t *testing.T) {
	cfg := routerConfig()
	cfg.UseGCPBatch = model.TriTrue
	cfg.Batch = model.BatchOptions{InstanceCount: 8, WorkersPerWorkflow: 4, MaxParallelism: 3}
	f := newRouterFixture(cfg)
	r := f.router(readySettings(), Overrides{})

	res, err := r.Dispatch(context.Background(), 42, Options{})
	require.NoError(t, err)

	// run_total grows to the batch instance count.
	assert.Equal(t, 8, res.RunTotal)
	assert.Equal(t, []int{8}, f.runIndex.deltas)

	payload := res.Payload
	require.NotNil(t, payload)
	require.NotNil(t, payload.Batch)
	assert.Equal(t, model.DispatcherModeBatch, payload.Mode)
	assert.Equal(t, 8, payload.Batch.InstanceCount)
	assert.Equal(t, 4, payload.Batch.WorkersPerWorkflow)

	// parallelism starts at run_total (8) and is clamped by the batch cap:
	// max(1, min(3, 8, max(3, 8))) = 3.
	assert.Equal(t, 3, payload.Batch.MaxParallelism)
	assert.Equal(t, 3, payload.Execution.Parallelism)
}

func TestDispatchGitHubFallbackTriggersWorkflow(t *testing.T) {
	cfg := routerConfig()
	f := newRouterFixture(cfg)
	// No queue infra properties at all: everything lands on github.
	r := f.router(GlobalSettings{}, Overrides{WorkflowRef: "release"})

	res, err := r.Dispatch(context.Background(), 42, Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, model.ModeGitHub, res.Mode)
	assert.Empty(t, f.artifacts.uploaded)
	assert.Empty(t, f.tasks.requests)
	assert.Equal(t, 0, f.validator.calls)

	require.Len(t, f.workflow.refs, 1)
	assert.Equal(t, "release", f.workflow.refs[0])
	assert.Equal(t, "42", f.workflow.inputs[0]["targeting_id"])
	assert.Equal(t, "2", f.workflow.inputs[0]["run_total"])
}

func TestDispatchValidationFailureShortCircuits(t *testing.T) {
	cfg := routerConfig()
	cfg.UseServerless = model.TriTrue
	f := newRouterFixture(cfg)
	f.validator.err = apperrors.New(apperrors.ErrCodeValidationFailed, "invalid sender profile")
	r := f.router(readySettings(), Overrides{})

	res, err := r.Dispatch(context.Background(), 42, Options{})
	require.Error(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, string(apperrors.ErrCodeValidationFailed), res.ErrorType)
	assert.Empty(t, f.queue.calls)
	assert.Empty(t, f.artifacts.uploaded)
}

func TestDispatchEnqueueFailureDeletesArtifact(t *testing.T) {
	cfg := routerConfig()
	cfg.UseServerless = model.TriTrue
	f := newRouterFixture(cfg)
	f.tasks.err = errors.New("queue unavailable")
	r := f.router(readySettings(), Overrides{})

	res, err := r.Dispatch(context.Background(), 42, Options{})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"20240610/targeting-42-exec-0001.json"}, f.artifacts.deleted)
}

func TestDispatchTestModeOverridesExtra(t *testing.T) {
	cfg := routerConfig()
	cfg.UseServerless = model.TriTrue
	cfg.UseExtraTable = model.TriTrue
	f := newRouterFixture(cfg)
	r := f.router(readySettings(), Overrides{})

	res, err := r.Dispatch(context.Background(), 42, Options{TestMode: true})
	require.NoError(t, err)

	require.Len(t, f.queue.calls, 1)
	assert.True(t, f.queue.calls[0].TestMode)
	assert.False(t, f.queue.calls[0].UseExtra)
	assert.True(t, res.Payload.TestMode)
	assert.Equal(t, "send_queue_test", res.Payload.Tables.SendQueueTable)
}

func TestDispatchWorkerClamps(t *testing.T) {
	cfg := routerConfig()
	cfg.UseServerless = model.TriTrue
	f := newRouterFixture(cfg)
	r := f.router(readySettings(), Overrides{Workers: 9})

	res, err := r.Dispatch(context.Background(), 42, Options{})
	require.NoError(t, err)
	// Non-batch dispatches clamp workers to 4.
	assert.Equal(t, 4, res.Payload.Execution.WorkersPerWorkflow)
}

func TestDispatchDuplicateEnqueueIsSuccess(t *testing.T) {
	cfg := routerConfig()
	cfg.UseServerless = model.TriTrue
	f := newRouterFixture(cfg)
	f.tasks.result = &tasks.EnqueueResult{TaskName: "q/tasks/fs-20240610-42-6", Duplicate: true}
	r := f.router(readySettings(), Overrides{})

	res, err := r.Dispatch(context.Background(), 42, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Duplicate)
	assert.Empty(t, f.artifacts.deleted)
}
