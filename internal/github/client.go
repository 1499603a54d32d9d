// Package github drives the CI workflow-dispatch fallback: triggering the
// form-sender workflow, listing its in-progress runs, and cancelling them.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
)

const runsPerPage = 50

// runFilterExpr narrows the runs listing to the form-sender workflow. The
// API has no filter for workflow name, so it is applied client-side.
const runFilterExpr = `workflow_runs[?contains(name, 'form-sender') || contains(path, 'form-sender')]`

// targetingIDPattern extracts a targeting ID from commit messages or run
// titles, e.g. "form-sender targeting_id=42".
var targetingIDPattern = regexp.MustCompile(`targeting_id=(\d+)`)

// WorkflowRun is one in-progress CI run.
type WorkflowRun struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Path          string `json:"path"`
	Status        string `json:"status"`
	DisplayTitle  string `json:"display_title"`
	CommitMessage string `json:"commit_message"`
	StartedAt     string `json:"run_started_at"`
}

// TargetingID extracts the targeting ID from the run's title or commit
// message. It returns 0 when no ID is present.
func (r WorkflowRun) TargetingID() int {
	for _, s := range []string{r.DisplayTitle, r.CommitMessage, r.Name} {
		if m := targetingIDPattern.FindStringSubmatch(s); m != nil {
			id, _ := strconv.Atoi(m[1])
			return id
		}
	}
	return 0
}

// Client is a minimal GitHub Actions API client for one repository.
type Client struct {
	owner      string
	repo       string
	token      string
	workflow   string
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// ClientOptions holds the settings for a Client.
type ClientOptions struct {
	Owner string
	Repo  string
	Token string
	// Workflow is the workflow file name dispatched for form sending,
	// e.g. "form-sender.yml".
	Workflow   string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// BaseURL overrides https://api.github.com for tests.
	BaseURL string
}

// NewClient creates a GitHub API client.
func NewClient(opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	workflow := opts.Workflow
	if workflow == "" {
		workflow = "form-sender.yml"
	}
	return &Client{
		owner:      opts.Owner,
		repo:       opts.Repo,
		token:      opts.Token,
		workflow:   workflow,
		httpClient: hc,
		logger:     logger,
		baseURL:    baseURL,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "encode github request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, apperrors.Wrap(err, apperrors.ErrCodeSystem, "build github request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "github %s %s", method, path)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "read github response for %s", path)
	}
	return resp.StatusCode, respBody, nil
}

// TriggerWorkflow fires a workflow_dispatch for the form-sender workflow.
// Inputs are passed through to the workflow as strings.
func (c *Client) TriggerWorkflow(ctx context.Context, ref string, inputs map[string]string) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches", c.owner, c.repo, c.workflow)
	payload := map[string]any{"ref": ref}
	if len(inputs) > 0 {
		payload["inputs"] = inputs
	}

	status, body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return apperrors.Newf(apperrors.ErrCodeGitHubAPI,
			"workflow dispatch failed with status %d: %s", status, strings.TrimSpace(string(body)))
	}
	c.logger.InfoContext(ctx, "workflow dispatched",
		slog.String("workflow", c.workflow),
		slog.String("ref", ref))
	return nil
}

// ListInProgressRuns lists the repository's in-progress runs, filtered down
// to the form-sender workflow.
func (c *Client) ListInProgressRuns(ctx context.Context) ([]WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?status=in_progress&per_page=%d", c.owner, c.repo, runsPerPage)
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrCodeGitHubAPI,
			"list runs failed with status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "decode runs listing")
	}
	filtered, err := jmespath.Search(runFilterExpr, doc)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSystem, "filter runs listing")
	}

	// Round-trip the filtered subtree back into typed runs.
	encoded, err := json.Marshal(filtered)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "re-encode filtered runs")
	}
	var raw []struct {
		ID           int64  `json:"id"`
		Name         string `json:"name"`
		Path         string `json:"path"`
		Status       string `json:"status"`
		DisplayTitle string `json:"display_title"`
		StartedAt    string `json:"run_started_at"`
		HeadCommit   struct {
			Message string `json:"message"`
		} `json:"head_commit"`
	}
	if err := json.Unmarshal(encoded, &raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "decode filtered runs")
	}

	runs := make([]WorkflowRun, 0, len(raw))
	for _, r := range raw {
		runs = append(runs, WorkflowRun{
			ID:            r.ID,
			Name:          r.Name,
			Path:          r.Path,
			Status:        r.Status,
			DisplayTitle:  r.DisplayTitle,
			CommitMessage: r.HeadCommit.Message,
			StartedAt:     r.StartedAt,
		})
	}
	return runs, nil
}

// CancelRun cancels one run. The API acknowledges with 202.
func (c *Client) CancelRun(ctx context.Context, runID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/cancel", c.owner, c.repo, runID)
	status, body, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return apperrors.Newf(apperrors.ErrCodeGitHubAPI,
			"cancel run %d failed with status %d: %s", runID, status, strings.TrimSpace(string(body)))
	}
	return nil
}
