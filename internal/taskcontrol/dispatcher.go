// Package taskcontrol inspects and stops running form-sender workloads
// across backends: the dispatcher-backed queue modes and the CI workflow
// fallback.
package taskcontrol

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

	"golang.org/x/oauth2"

	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
)

// DispatcherClient talks to the dispatcher's execution API.
type DispatcherClient struct {
	baseURL     string
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	logger      *slog.Logger
}

// DispatcherClientOptions holds the settings for a DispatcherClient.
type DispatcherClientOptions struct {
	// BaseURL is the dispatcher root, e.g. https://dispatcher.example.com.
	BaseURL string
	// TokenSource provides OIDC identity tokens for the dispatcher
	// audience. A nil source sends unauthenticated requests (tests).
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewDispatcherClient creates a dispatcher API client.
func NewDispatcherClient(opts DispatcherClientOptions) *DispatcherClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatcherClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		tokenSource: opts.TokenSource,
		httpClient:  hc,
		logger:      logger,
	}
}

func (c *DispatcherClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "encode dispatcher request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, apperrors.Wrap(err, apperrors.ErrCodeSystem, "build dispatcher request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenSource != nil {
		token, err := c.tokenSource.Token()
		if err != nil {
			return 0, nil, apperrors.Wrap(err, apperrors.ErrCodePermission, "fetch dispatcher token")
		}
		token.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "dispatcher %s %s", method, path)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "read dispatcher response for %s", path)
	}
	return resp.StatusCode, respBody, nil
}

// ListRunning returns the executions currently running, optionally narrowed
// to one targeting (0 means all).
func (c *DispatcherClient) ListRunning(ctx context.Context, targetingID int) ([]model.Execution, error) {
	path := "/v1/form-sender/executions?status=running"
	if targetingID > 0 {
		path = fmt.Sprintf("%s&targeting_id=%d", path, targetingID)
	}

	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrCodeNetwork,
			"list executions failed with status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Executions []model.Execution `json:"executions"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "decode executions listing")
	}
	return decoded.Executions, nil
}

// Cancel stops one execution.
func (c *DispatcherClient) Cancel(ctx context.Context, executionID string) error {
	path := fmt.Sprintf("/v1/form-sender/executions/%s/cancel", executionID)
	status, body, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return apperrors.Newf(apperrors.ErrCodeNetwork,
			"cancel execution %s failed with status %d: %s", executionID, status, strings.TrimSpace(string(body)))
	}
	return nil
}

// ValidateConfig asks the dispatcher to pre-validate a client config before
// any artifact is uploaded. A rejection surfaces as validation_failed.
func (c *DispatcherClient) ValidateConfig(ctx context.Context, cfg *model.TargetingConfig) error {
	status, body, err := c.do(ctx, http.MethodPost, "/v1/form-sender/validate-config", cfg)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}

	var decoded struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &decoded)
	msg := decoded.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	if status == http.StatusUnprocessableEntity || status == http.StatusBadRequest {
		return apperrors.Newf(apperrors.ErrCodeValidationFailed,
			"dispatcher rejected config for targeting %d: %s", cfg.TargetingID, msg)
	}
	return apperrors.Newf(apperrors.ErrCodeNetwork,
		"validate config failed with status %d: %s", status, msg)
}
