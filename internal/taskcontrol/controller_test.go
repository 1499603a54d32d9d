package taskcontrol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/github"
)

type fakeDispatcher struct {
	running   []model.Execution
	listErr   error
	cancelled []string
}

func (f *fakeDispatcher) ListRunning(_ context.Context, targetingID int) ([]model.Execution, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if targetingID == 0 {
		return f.running, nil
	}
	var filtered []model.Execution
	for _, e := range f.running {
		if e.TargetingID == targetingID {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, executionID string) error {
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

type fakeWorkflows struct {
	runs      []github.WorkflowRun
	cancelled []int64
}

func (f *fakeWorkflows) ListInProgressRuns(context.Context) ([]github.WorkflowRun, error) {
	return f.runs, nil
}

func (f *fakeWorkflows) CancelRun(_ context.Context, runID int64) error {
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func TestGetRunningMergesBackends(t *testing.T) {
	d := &fakeDispatcher{running: []model.Execution{
		{ExecutionID: "e1", TargetingID: 1, Status: "running"},
	}}
	w := &fakeWorkflows{runs: []github.WorkflowRun{
		{ID: 900, Status: "in_progress", DisplayTitle: "form-sender targeting_id=2"},
	}}
	c := NewController(ControllerOptions{Dispatcher: d, Workflows: w})

	executions, err := c.GetRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, "e1", executions[0].ExecutionID)
	assert.Equal(t, "900", executions[1].ExecutionID)
	assert.Equal(t, 2, executions[1].TargetingID)
	assert.Equal(t, "github", executions[1].Backend)
}

func TestStopAllCancelsEverything(t *testing.T) {
	d := &fakeDispatcher{running: []model.Execution{
		{ExecutionID: "e1", TargetingID: 1},
		{ExecutionID: "e2", TargetingID: 2},
	}}
	w := &fakeWorkflows{runs: []github.WorkflowRun{{ID: 900}}}
	c := NewController(ControllerOptions{Dispatcher: d, Workflows: w})

	require.NoError(t, c.StopAll(context.Background()))
	assert.Equal(t, []string{"e1", "e2"}, d.cancelled)
	assert.Equal(t, []int64{900}, w.cancelled)
}

func TestStopTargetingPrefersDispatcher(t *testing.T) {
	d := &fakeDispatcher{running: []model.Execution{
		{ExecutionID: "e1", TargetingID: 1},
		{ExecutionID: "e2", TargetingID: 2},
	}}
	w := &fakeWorkflows{runs: []github.WorkflowRun{
		{ID: 900, DisplayTitle: "form-sender targeting_id=1"},
	}}
	c := NewController(ControllerOptions{Dispatcher: d, Workflows: w})

	require.NoError(t, c.StopTargeting(context.Background(), 1))
	assert.Equal(t, []string{"e1"}, d.cancelled)
	// The CI fallback is not consulted when the dispatcher had matches.
	assert.Empty(t, w.cancelled)
}

func TestStopTargetingFallsBackToWorkflows(t *testing.T) {
	d := &fakeDispatcher{}
	w := &fakeWorkflows{runs: []github.WorkflowRun{
		{ID: 900, DisplayTitle: "form-sender targeting_id=1"},
		{ID: 901, DisplayTitle: "form-sender targeting_id=2"},
	}}
	c := NewController(ControllerOptions{Dispatcher: d, Workflows: w})

	require.NoError(t, c.StopTargeting(context.Background(), 2))
	assert.Empty(t, d.cancelled)
	assert.Equal(t, []int64{901}, w.cancelled)
}

func TestStopTargetingWithoutDispatcher(t *testing.T) {
	w := &fakeWorkflows{runs: []github.WorkflowRun{
		{ID: 900, DisplayTitle: "form-sender targeting_id=3"},
	}}
	c := NewController(ControllerOptions{Workflows: w})

	require.NoError(t, c.StopTargeting(context.Background(), 3))
	assert.Equal(t, []int64{900}, w.cancelled)
}

func newTestDispatcherClient(t *testing.T, handler http.HandlerFunc) *DispatcherClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDispatcherClient(DispatcherClientOptions{BaseURL: srv.URL})
}

func TestDispatcherListRunning(t *testing.T) {
	client := newTestDispatcherClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/form-sender/executions", r.URL.Path)
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		assert.Equal(t, "9", r.URL.Query().Get("targeting_id"))
		_, _ = w.Write([]byte(`{"executions":[{"execution_id":"e9","targeting_id":9,"status":"running","run_index_base":4}]}`))
	})

	executions, err := client.ListRunning(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, "e9", executions[0].ExecutionID)
	assert.Equal(t, 4, executions[0].RunIndexBase)
}

func TestDispatcherCancelAcceptsAccepted(t *testing.T) {
	client := newTestDispatcherClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/form-sender/executions/e9/cancel", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
	})
	assert.NoError(t, client.Cancel(context.Background(), "e9"))
}

func TestDispatcherValidateConfigRejection(t *testing.T) {
	client := newTestDispatcherClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"sender email malformed"}`))
	})

	err := client.ValidateConfig(context.Background(), &model.TargetingConfig{TargetingID: 9})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationFailed(err))
	assert.Contains(t, err.Error(), "sender email malformed")
}

func TestDispatcherValidateConfigOK(t *testing.T) {
	client := newTestDispatcherClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, client.ValidateConfig(context.Background(), &model.TargetingConfig{TargetingID: 9}))
}
