package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/retry"
)

const (
	// timeoutRetryAttempts covers the initial call plus the 1s/2s backoffs.
	timeoutRetryAttempts = 3
	timeoutRetryBackoff  = time.Second
)

// PostgRESTClient calls stored procedures through the PostgREST RPC endpoint
// (POST {base}/rest/v1/rpc/{name}).
type PostgRESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// PostgRESTClientOptions holds the settings for a PostgRESTClient.
type PostgRESTClientOptions struct {
	// BaseURL is the project root, e.g. https://xyz.supabase.co.
	BaseURL string
	// APIKey is the service-role key, sent as both apikey and Bearer token.
	APIKey string
	// HTTPClient overrides the default client; mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewPostgRESTClient creates a PostgREST-backed procedure caller.
func NewPostgRESTClient(opts PostgRESTClientOptions) *PostgRESTClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgRESTClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: hc,
		logger:     logger,
	}
}

// Call invokes the named procedure. Server-side statement timeouts surface as
// 5xx responses whose body carries the 57014 vocabulary; those are retried
// with exponential backoff before the timeout is reported to the caller.
func (c *PostgRESTClient) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	var result json.RawMessage
	policy := retry.Policy{
		Attempts:    timeoutRetryAttempts,
		BaseBackoff: timeoutRetryBackoff,
		Retryable:   isRetryableTimeout,
	}
	err := policy.Do(ctx, func() error {
		var callErr error
		result, callErr = c.callOnce(ctx, req)
		if callErr != nil && apperrors.IsStatementTimeout(callErr) {
			c.logger.WarnContext(ctx, "rpc statement timeout, retrying",
				slog.String("procedure", req.Name))
		}
		return callErr
	})
	return result, err
}

func isRetryableTimeout(err error) bool {
	return apperrors.IsStatementTimeout(err)
}

func (c *PostgRESTClient) callOnce(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeJSONParse, "encode rpc args for %s", req.Name)
	}

	url := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, req.Name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeSystem, "build rpc request for %s", req.Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.StatementTimeout > 0 {
		// PostgREST lets clients cap the statement timeout per request.
		httpReq.Header.Set("Prefer", fmt.Sprintf("statement-timeout=%d", req.StatementTimeout.Milliseconds()))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "call rpc %s", req.Name)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "read rpc %s response", req.Name)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(respBody)) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(respBody) {
			return nil, apperrors.Newf(apperrors.ErrCodeJSONParse,
				"rpc %s returned invalid JSON", req.Name)
		}
		return json.RawMessage(respBody), nil
	}

	msg := strings.TrimSpace(string(respBody))
	if resp.StatusCode >= 500 && apperrors.MessageIndicatesStatementTimeout(msg) {
		return nil, apperrors.StatementTimeout(
			fmt.Sprintf("rpc %s: statement timeout: %s", req.Name, msg))
	}

	code := apperrors.ErrCodeNetwork
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		code = apperrors.ErrCodePermission
	}
	return nil, apperrors.Newf(code, "rpc %s failed with status %d: %s", req.Name, resp.StatusCode, msg)
}
