// Package dispatch routes one targeting's workload to an execution backend:
// it resolves the mode, sizes Cloud Batch machines, validates the client
// config, uploads the dispatch artifact, and enqueues the task.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
)

// GlobalSettings are the deployment-wide properties consulted by the mode
// resolver. The raw default flags keep their property spelling; parsing
// accepts true|1|yes|on.
type GlobalSettings struct {
	// UseGCPBatch is the USE_GCP_BATCH default flag.
	UseGCPBatch string
	// UseServerless is the USE_SERVERLESS_FORM_SENDER default flag.
	UseServerless string

	// The queue-backed modes need all three of these to be dispatchable.
	TaskQueuePath            string
	DispatcherURL            string
	DispatcherServiceAccount string
}

// queueInfraReady reports whether the task-queue modes can actually dispatch.
func (g GlobalSettings) queueInfraReady() bool {
	return g.TaskQueuePath != "" && g.DispatcherURL != "" && g.DispatcherServiceAccount != ""
}

// ResolveExecutionMode picks the backend for one targeting. Explicit
// per-targeting flags win over the global defaults; the CI workflow is the
// terminal fallback and also absorbs queue modes whose infrastructure
// properties are missing.
func ResolveExecutionMode(ctx context.Context, logger *slog.Logger, cfg *model.TargetingConfig, gs GlobalSettings) model.ExecutionMode {
	batchDefault := model.ParseBool(gs.UseGCPBatch)
	serverlessDefault := model.ParseBool(gs.UseServerless)

	explicitBatch := cfg.UseGCPBatch.True()
	explicitServerless := cfg.UseServerless.True()

	var mode model.ExecutionMode
	switch {
	case explicitBatch:
		mode = model.ModeBatch
	case explicitServerless:
		mode = model.ModeServerless
	default:
		mode = firstEnabled(priorityList(batchDefault, serverlessDefault), map[model.ExecutionMode]bool{
			model.ModeBatch:      explicitBatch || batchDefault,
			model.ModeServerless: explicitServerless || serverlessDefault,
			model.ModeGitHub:     true,
		})
	}

	if (mode == model.ModeBatch || mode == model.ModeServerless) && !gs.queueInfraReady() {
		logger.WarnContext(ctx, "queue dispatch infrastructure incomplete, falling back to workflow dispatch",
			slog.Int("targeting_id", cfg.TargetingID),
			slog.String("requested_mode", string(mode)))
		return model.ModeGitHub
	}
	return mode
}

// priorityList orders the candidate modes: the globally preferred queue
// modes first, then the remaining ones, always ending with github.
func priorityList(batchDefault, serverlessDefault bool) []model.ExecutionMode {
	var list []model.ExecutionMode
	if batchDefault {
		list = append(list, model.ModeBatch)
	}
	if serverlessDefault {
		list = append(list, model.ModeServerless)
	}
	for _, m := range []model.ExecutionMode{model.ModeBatch, model.ModeServerless} {
		if !containsMode(list, m) {
			list = append(list, m)
		}
	}
	return append(list, model.ModeGitHub)
}

func containsMode(list []model.ExecutionMode, m model.ExecutionMode) bool {
	for _, v := range list {
		if v == m {
			return true
		}
	}
	return false
}

func firstEnabled(list []model.ExecutionMode, enabled map[model.ExecutionMode]bool) model.ExecutionMode {
	for _, m := range list {
		if enabled[m] {
			return m
		}
	}
	return model.ModeGitHub
}
