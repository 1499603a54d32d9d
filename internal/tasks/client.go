// Package tasks enqueues dispatch payloads to the Cloud Tasks queue that
// fronts the form-sender dispatcher. Task IDs are deterministic per day,
// targeting, and run-index base, so a re-run of the same dispatch collapses
// into the already-queued task.
package tasks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
)

const (
	defaultScheduleDelay = time.Second

	enqueueMaxAttempts = 3
	enqueueMinBackoff  = 60 * time.Second
	enqueueMaxBackoff  = 600 * time.Second

	// Enqueue retries must not spill past the end of the send day.
	retryCutoffHourJST = 19
)

// taskIDSanitizer replaces characters Cloud Tasks rejects in task names.
var taskIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9-]`)

// TaskID builds the deterministic task name for a dispatch.
func TaskID(now time.Time, targetingID, runIndexBase int) string {
	id := fmt.Sprintf("fs-%s-%d-%d", clock.CompactDateJST(now), targetingID, runIndexBase)
	return taskIDSanitizer.ReplaceAllString(id, "-")
}

// EnqueueRequest describes one dispatcher task.
type EnqueueRequest struct {
	TargetingID  int
	RunIndexBase int
	// TargetURL is the dispatcher endpoint the task will POST to.
	TargetURL string
	// Audience is the OIDC audience for the task's identity token,
	// normally the dispatcher base URL.
	Audience string
	// ServiceAccount is the email the queue impersonates for OIDC.
	ServiceAccount string
	// Payload is the dispatch body; the queue API carries it base64-encoded.
	Payload []byte
}

// EnqueueResult reports the created (or already existing) task.
type EnqueueResult struct {
	TaskName  string `json:"task_name"`
	Duplicate bool   `json:"duplicate"`
}

// Client talks to the Cloud Tasks REST API for one queue.
type Client struct {
	queuePath   string
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	tp          clock.TimeProvider
	logger      *slog.Logger
	baseURL     string
	sleep       func(ctx context.Context, d time.Duration) error
}

// ClientOptions holds the settings for a Client.
type ClientOptions struct {
	// QueuePath is the full queue resource name:
	// projects/{p}/locations/{l}/queues/{q}.
	QueuePath   string
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	// BaseURL overrides the Cloud Tasks endpoint; tests point it at a
	// local server.
	BaseURL      string
	TimeProvider clock.TimeProvider
	Logger       *slog.Logger
	// Sleep overrides the inter-retry sleep for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a task-queue client.
func NewClient(opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://cloudtasks.googleapis.com"
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return &Client{
		queuePath:   opts.QueuePath,
		tokenSource: opts.TokenSource,
		httpClient:  hc,
		tp:          tp,
		logger:      logger,
		baseURL:     baseURL,
		sleep:       sleep,
	}
}

type createTaskBody struct {
	Task taskSpec `json:"task"`
}

type taskSpec struct {
	Name         string          `json:"name"`
	ScheduleTime string          `json:"scheduleTime"`
	HTTPRequest  taskHTTPRequest `json:"httpRequest"`
}

type taskHTTPRequest struct {
	HTTPMethod string            `json:"httpMethod"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	OIDCToken  *oidcToken        `json:"oidcToken,omitempty"`
}

type oidcToken struct {
	ServiceAccountEmail string `json:"serviceAccountEmail"`
	Audience            string `json:"audience"`
}

// Enqueue creates the task, treating 409 ALREADY_EXISTS as a successful
// duplicate. Transient failures retry with 60 s..600 s backoff, capped so the
// cumulative wait never crosses 19:00 JST.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	now := c.tp.Now()
	taskName := fmt.Sprintf("%s/tasks/%s", c.queuePath, TaskID(now, req.TargetingID, req.RunIndexBase))

	budget := c.retryBudget(now)
	backoff := enqueueMinBackoff

	var lastErr error
	for attempt := 1; attempt <= enqueueMaxAttempts; attempt++ {
		result, retryable, err := c.createTask(ctx, taskName, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable || attempt == enqueueMaxAttempts {
			break
		}

		wait := backoff
		if wait > budget {
			break
		}
		budget -= wait
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		backoff = min(backoff*2, enqueueMaxBackoff)
	}
	return nil, lastErr
}

// retryBudget returns the seconds remaining until today's 19:00 JST cutoff.
func (c *Client) retryBudget(now time.Time) time.Duration {
	nowJST := now.In(clock.JST)
	cutoff := time.Date(nowJST.Year(), nowJST.Month(), nowJST.Day(), retryCutoffHourJST, 0, 0, 0, clock.JST)
	budget := cutoff.Sub(nowJST)
	if budget < 0 {
		return 0
	}
	return budget
}

func (c *Client) createTask(ctx context.Context, taskName string, req EnqueueRequest) (*EnqueueResult, bool, error) {
	schedule := c.tp.Now().Add(defaultScheduleDelay).UTC().Format(time.RFC3339)
	body := createTaskBody{Task: taskSpec{
		Name:         taskName,
		ScheduleTime: schedule,
		HTTPRequest: taskHTTPRequest{
			HTTPMethod: http.MethodPost,
			URL:        req.TargetURL,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       base64.StdEncoding.EncodeToString(req.Payload),
			OIDCToken: &oidcToken{
				ServiceAccountEmail: req.ServiceAccount,
				Audience:            req.Audience,
			},
		},
	}}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "encode task")
	}

	endpoint := fmt.Sprintf("%s/v2/%s/tasks", c.baseURL, c.queuePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrCodeSystem, "build enqueue request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	token, err := c.tokenSource.Token()
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrCodePermission, "fetch task queue token")
	}
	token.SetAuthHeader(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "enqueue task %s", taskName)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &EnqueueResult{TaskName: taskName}, false, nil
	case resp.StatusCode == http.StatusConflict:
		// ALREADY_EXISTS: an identical dispatch is already queued.
		c.logger.InfoContext(ctx, "task already queued",
			slog.String("task", taskName))
		return &EnqueueResult{TaskName: taskName, Duplicate: true}, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, apperrors.Newf(apperrors.ErrCodePermission,
			"enqueue task %s failed with status %d: %s", taskName, resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 500:
		return nil, true, apperrors.Newf(apperrors.ErrCodeNetwork,
			"enqueue task %s failed with status %d: %s", taskName, resp.StatusCode, strings.TrimSpace(string(respBody)))
	default:
		return nil, false, apperrors.Newf(apperrors.ErrCodeNetwork,
			"enqueue task %s failed with status %d: %s", taskName, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
