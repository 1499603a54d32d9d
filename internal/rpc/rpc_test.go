package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/retry"
)

// testPolicy mirrors the production retry policy with a test-scaled backoff.
func testPolicy(backoff time.Duration) retry.Policy {
	return retry.Policy{
		Attempts:    timeoutRetryAttempts,
		BaseBackoff: backoff,
		Retryable:   isRetryableTimeout,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *PostgRESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPostgRESTClient(PostgRESTClientOptions{
		BaseURL:    srv.URL,
		APIKey:     "service-key",
		HTTPClient: srv.Client(),
	})
}

func TestCallSendsAuthHeadersAndDecodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/rpc/create_queue_for_targeting", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))

		var args map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		assert.Equal(t, float64(42), args["targeting_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"inserted": 1200}`))
	})

	raw, err := client.Call(context.Background(), CallRequest{
		Name: "create_queue_for_targeting",
		Args: map[string]any{"targeting_id": 42},
	})
	require.NoError(t, err)

	var out struct {
		Inserted int `json:"inserted"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 1200, out.Inserted)
}

func TestCallEmptyBodyIsNull(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	raw, err := client.Call(context.Background(), CallRequest{Name: "reset_send_queue_all"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), raw)
}

func TestCallRetriesStatementTimeout(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":"57014","message":"canceling statement due to statement timeout"}`))
			return
		}
		_, _ = w.Write([]byte(`{"inserted": 10}`))
	})
	// Shrink the backoff so the test does not sleep for seconds.
	raw, err := callWithBackoff(t, client, time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inserted": 10}`, string(raw))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallReportsTimeoutAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("statement timeout"))
	})

	_, err := callWithBackoff(t, client, time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperrors.IsStatementTimeout(err))
	assert.Equal(t, int32(timeoutRetryAttempts), calls.Load())
}

// callWithBackoff mirrors Call with a test-scaled backoff.
func callWithBackoff(t *testing.T, client *PostgRESTClient, backoff time.Duration) (json.RawMessage, error) {
	t.Helper()
	var result json.RawMessage
	err := testPolicy(backoff).Do(context.Background(), func() error {
		var callErr error
		result, callErr = client.callOnce(context.Background(), CallRequest{Name: "create_queue_for_targeting"})
		return callErr
	})
	return result, err
}

func TestCallDoesNotRetryOtherErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"function does not exist"}`))
	})

	_, err := client.Call(context.Background(), CallRequest{Name: "bogus_proc"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNetwork, apperrors.GetCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallMapsAuthFailuresToPermission(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"JWT expired"}`))
	})

	_, err := client.Call(context.Background(), CallRequest{Name: "create_queue_for_targeting"})
	require.Error(t, err)
	assert.True(t, apperrors.IsPermission(err))
}

func TestCallForwardsStatementTimeoutPreference(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "statement-timeout=120000", r.Header.Get("Prefer"))
		_, _ = w.Write([]byte(`1`))
	})

	_, err := client.Call(context.Background(), CallRequest{
		Name:             "create_queue_step",
		StatementTimeout: 120 * time.Second,
	})
	require.NoError(t, err)
}

func TestBuildCallQuery(t *testing.T) {
	query, params, err := buildCallQuery("create_queue_for_targeting", map[string]any{
		"targeting_id": 42,
		"limit":        2000,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT coalesce(jsonb_agg(r), 'null'::jsonb)::text FROM create_queue_for_targeting("limit" => $1, "targeting_id" => $2) AS r`,
		query)
	assert.Equal(t, []any{2000, 42}, params)

	_, _, err = buildCallQuery("drop table; --", nil)
	assert.Error(t, err)

	_, _, err = buildCallQuery("ok_proc", map[string]any{"bad arg": 1})
	assert.Error(t, err)
}

func TestUnwrapAggregate(t *testing.T) {
	out, err := unwrapAggregate("p", json.RawMessage(`[{"inserted": 5}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"inserted": 5}`, string(out))

	out, err = unwrapAggregate("p", json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	out, err = unwrapAggregate("p", json.RawMessage(`[1, 2]`))
	require.NoError(t, err)
	assert.Equal(t, "[1, 2]", string(out))
}
