package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/handlers"
	"github.com/neurify-goto/form-sender-orchestrator/internal/queue"
)

type stubOps struct {
	startedAll  bool
	started     []int
	stoppedAll  bool
	stopped     []int
	builds      []int
	builtAll    bool
	resets      []bool
	startErr    error
	lastOptions handlers.QueueOptions
}

func (s *stubOps) StartFormSender(_ context.Context, id int) (*handlers.SessionResult, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started = append(s.started, id)
	return &handlers.SessionResult{Success: true, Processed: 1}, nil
}

func (s *stubOps) StartFormSenderAll(context.Context) (*handlers.SessionResult, error) {
	s.startedAll = true
	return &handlers.SessionResult{Success: true, Processed: 2}, nil
}

func (s *stubOps) StopAllRunningFormSenderTasks(context.Context) (*handlers.StopResult, error) {
	s.stoppedAll = true
	return &handlers.StopResult{Success: true}, nil
}

func (s *stubOps) StopSpecificFormSenderTask(_ context.Context, id int) (*handlers.StopResult, error) {
	s.stopped = append(s.stopped, id)
	return &handlers.StopResult{Success: true}, nil
}

func (s *stubOps) GetRunningFormSenderTasks(context.Context) (*handlers.RunningResult, error) {
	return &handlers.RunningResult{Success: true, Count: 1}, nil
}

func (s *stubOps) BuildSendQueueForTargeting(_ context.Context, id int, opts handlers.QueueOptions) (*queue.BuildResult, error) {
	s.builds = append(s.builds, id)
	s.lastOptions = opts
	return &queue.BuildResult{Success: true, TargetingID: id}, nil
}

func (s *stubOps) BuildSendQueueForAllTargetings(context.Context) (*queue.AggregateResult, error) {
	s.builtAll = true
	return &queue.AggregateResult{Processed: 2}, nil
}

func (s *stubOps) ResetSendQueueAllDaily(context.Context) (*handlers.StopResult, error) {
	s.resets = append(s.resets, false)
	return &handlers.StopResult{Success: true}, nil
}

func (s *stubOps) ResetSendQueueAllDailyExtra(context.Context) (*handlers.StopResult, error) {
	s.resets = append(s.resets, true)
	return &handlers.StopResult{Success: true}, nil
}

func newTestRouter(ops Operations) http.Handler {
	return NewRouter(RouterServices{Operations: ops, Verifier: InsecureVerifier{}})
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsPublic(t *testing.T) {
	h := newTestRouter(&stubOps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPIRequiresBearerToken(t *testing.T) {
	h := NewRouter(RouterServices{Operations: &stubOps{}, Verifier: &rejectingVerifier{}})

	req := httptest.NewRequest(http.MethodGet, "/api/form-sender/executions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(context.Context, string) (*Identity, error) {
	return nil, assert.AnError
}

func TestStartSingleTargeting(t *testing.T) {
	ops := &stubOps{}
	h := newTestRouter(ops)

	rec := doJSON(t, h, http.MethodPost, "/api/form-sender/start", `{"targeting_id":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{5}, ops.started)
	assert.False(t, ops.startedAll)
}

func TestStartAllWithEmptyBody(t *testing.T) {
	ops := &stubOps{}
	h := newTestRouter(ops)

	rec := doJSON(t, h, http.MethodPost, "/api/form-sender/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ops.startedAll)
}

func TestStartErrorMapsToStatus(t *testing.T) {
	ops := &stubOps{startErr: apperrors.TargetingConfigf("targeting 5 not found")}
	h := newTestRouter(ops)

	rec := doJSON(t, h, http.MethodPost, "/api/form-sender/start", `{"targeting_id":5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "TARGETING_CONFIG_ERROR")
}

func TestStopRoutes(t *testing.T) {
	ops := &stubOps{}
	h := newTestRouter(ops)

	rec := doJSON(t, h, http.MethodPost, "/api/form-sender/stop", `{"targeting_id":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{3}, ops.stopped)

	rec = doJSON(t, h, http.MethodPost, "/api/form-sender/stop", "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ops.stoppedAll)
}

func TestQueueBuildRoutes(t *testing.T) {
	ops := &stubOps{}
	h := newTestRouter(ops)

	rec := doJSON(t, h, http.MethodPost, "/api/form-sender/queue/build",
		`{"targeting_id":7,"test_mode":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{7}, ops.builds)
	assert.True(t, ops.lastOptions.TestMode)

	rec = doJSON(t, h, http.MethodPost, "/api/form-sender/queue/build", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ops.builtAll)
}

func TestQueueResetRoutes(t *testing.T) {
	ops := &stubOps{}
	h := newTestRouter(ops)

	rec := doJSON(t, h, http.MethodPost, "/api/form-sender/queue/reset", `{"extra":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/form-sender/queue/reset", "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false}, ops.resets)
}

func TestExecutionsRoute(t *testing.T) {
	h := newTestRouter(&stubOps{})
	rec := doJSON(t, h, http.MethodGet, "/api/form-sender/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestInvalidJSONRejected(t *testing.T) {
	h := newTestRouter(&stubOps{})
	rec := doJSON(t, h, http.MethodPost, "/api/form-sender/start", `{"targeting_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
