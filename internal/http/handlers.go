package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/handlers"
	"github.com/neurify-goto/form-sender-orchestrator/internal/queue"
)

// Operations is the entry-point surface exposed over the admin API.
type Operations interface {
	StartFormSender(ctx context.Context, targetingID int) (*handlers.SessionResult, error)
	StartFormSenderAll(ctx context.Context) (*handlers.SessionResult, error)
	StopAllRunningFormSenderTasks(ctx context.Context) (*handlers.StopResult, error)
	StopSpecificFormSenderTask(ctx context.Context, targetingID int) (*handlers.StopResult, error)
	GetRunningFormSenderTasks(ctx context.Context) (*handlers.RunningResult, error)
	BuildSendQueueForTargeting(ctx context.Context, targetingID int, opts handlers.QueueOptions) (*queue.BuildResult, error)
	BuildSendQueueForAllTargetings(ctx context.Context) (*queue.AggregateResult, error)
	ResetSendQueueAllDaily(ctx context.Context) (*handlers.StopResult, error)
	ResetSendQueueAllDailyExtra(ctx context.Context) (*handlers.StopResult, error)
}

// APIHandlers adapts the entry points to HTTP.
type APIHandlers struct {
	ops Operations
}

// NewAPIHandlers creates the admin API handlers.
func NewAPIHandlers(ops Operations) *APIHandlers {
	return &APIHandlers{ops: ops}
}

type startRequest struct {
	TargetingID int `json:"targeting_id"`
}

// Start dispatches one targeting, or every active targeting when no ID is
// given.
func (h *APIHandlers) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	if req.TargetingID > 0 {
		res, err := h.ops.StartFormSender(r.Context(), req.TargetingID)
		writeOperationResult(w, res, err)
		return
	}
	res, err := h.ops.StartFormSenderAll(r.Context())
	writeOperationResult(w, res, err)
}

type stopRequest struct {
	TargetingID int `json:"targeting_id"`
}

// Stop cancels one targeting's workloads, or everything when no ID is given.
func (h *APIHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	if req.TargetingID > 0 {
		res, err := h.ops.StopSpecificFormSenderTask(r.Context(), req.TargetingID)
		writeOperationResult(w, res, err)
		return
	}
	res, err := h.ops.StopAllRunningFormSenderTasks(r.Context())
	writeOperationResult(w, res, err)
}

// Executions lists running workloads across backends.
func (h *APIHandlers) Executions(w http.ResponseWriter, r *http.Request) {
	res, err := h.ops.GetRunningFormSenderTasks(r.Context())
	writeOperationResult(w, res, err)
}

type queueBuildRequest struct {
	TargetingID int  `json:"targeting_id"`
	TestMode    bool `json:"test_mode"`
	UseExtra    bool `json:"use_extra"`
}

// QueueBuild rebuilds today's queue for one or all targetings.
func (h *APIHandlers) QueueBuild(w http.ResponseWriter, r *http.Request) {
	var req queueBuildRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	if req.TargetingID > 0 {
		res, err := h.ops.BuildSendQueueForTargeting(r.Context(), req.TargetingID, handlers.QueueOptions{
			TestMode: req.TestMode,
			UseExtra: req.UseExtra,
		})
		writeOperationResult(w, res, err)
		return
	}
	res, err := h.ops.BuildSendQueueForAllTargetings(r.Context())
	writeOperationResult(w, res, err)
}

type queueResetRequest struct {
	Extra bool `json:"extra"`
}

// QueueReset resets the production or extra queue.
func (h *APIHandlers) QueueReset(w http.ResponseWriter, r *http.Request) {
	var req queueResetRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	if req.Extra {
		res, err := h.ops.ResetSendQueueAllDailyExtra(r.Context())
		writeOperationResult(w, res, err)
		return
	}
	res, err := h.ops.ResetSendQueueAllDaily(r.Context())
	writeOperationResult(w, res, err)
}

// decodeOptionalBody decodes a JSON body when one is present; an empty body
// leaves the destination zeroed.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return false
	}
	if len(body) == 0 {
		return true
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return DecodeJSON(w, r, dst)
}

func writeOperationResult(w http.ResponseWriter, result any, err error) {
	if err != nil {
		code := http.StatusInternalServerError
		errCode := string(apperrors.GetCode(err))
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case apperrors.ErrCodeTargetingConfig, apperrors.ErrCodeClientData, apperrors.ErrCodeValidationFailed:
				code = http.StatusUnprocessableEntity
			case apperrors.ErrCodePermission:
				code = http.StatusForbidden
			}
		}
		WriteError(w, ErrorParams{Code: code, ErrCode: errCode, Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
