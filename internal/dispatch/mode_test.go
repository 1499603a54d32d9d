package dispatch

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
)

func readySettings() GlobalSettings {
	return GlobalSettings{
		TaskQueuePath:            "projects/p/locations/l/queues/q",
		DispatcherURL:            "https://dispatcher.example.com",
		DispatcherServiceAccount: "dispatcher@example.iam.gserviceaccount.com",
	}
}

func modeConfig(batch, serverless model.TriState) *model.TargetingConfig {
	return &model.TargetingConfig{
		TargetingID:   1,
		UseGCPBatch:   batch,
		UseServerless: serverless,
	}
}

func TestResolveExecutionMode(t *testing.T) {
	logger := slog.Default()
	ctx := context.Background()

	tests := []struct {
		name       string
		batch      model.TriState
		serverless model.TriState
		settings   GlobalSettings
		want       model.ExecutionMode
	}{
		{
			name:     "explicit batch wins",
			batch:    model.TriTrue,
			settings: func() GlobalSettings { s := readySettings(); s.UseServerless = "true"; return s }(),
			want:     model.ModeBatch,
		},
		{
			name:       "explicit serverless without batch",
			serverless: model.TriTrue,
			settings:   readySettings(),
			want:       model.ModeServerless,
		},
		{
			name:     "global batch default",
			settings: func() GlobalSettings { s := readySettings(); s.UseGCPBatch = "yes"; return s }(),
			want:     model.ModeBatch,
		},
		{
			name:     "global serverless default",
			settings: func() GlobalSettings { s := readySettings(); s.UseServerless = "1"; return s }(),
			want:     model.ModeServerless,
		},
		{
			name:     "no flags falls through to github",
			settings: readySettings(),
			want:     model.ModeGitHub,
		},
		{
			name:       "explicit false disables the global default",
			serverless: model.TriFalse,
			settings:   func() GlobalSettings { s := readySettings(); s.UseServerless = "on"; return s }(),
			// The default still enables serverless in the priority walk;
			// an explicit false only withholds the per-targeting vote.
			want: model.ModeServerless,
		},
		{
			name:     "missing infra falls back to github",
			batch:    model.TriTrue,
			settings: GlobalSettings{UseGCPBatch: "true"},
			want:     model.ModeGitHub,
		},
		{
			name:  "missing dispatcher sa falls back to github",
			batch: model.TriTrue,
			settings: GlobalSettings{
				TaskQueuePath: "projects/p/locations/l/queues/q",
				DispatcherURL: "https://dispatcher.example.com",
			},
			want: model.ModeGitHub,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveExecutionMode(ctx, logger, modeConfig(tt.batch, tt.serverless), tt.settings)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriorityListOrder(t *testing.T) {
	assert.Equal(t,
		[]model.ExecutionMode{model.ModeBatch, model.ModeServerless, model.ModeGitHub},
		priorityList(true, false))
	assert.Equal(t,
		[]model.ExecutionMode{model.ModeServerless, model.ModeBatch, model.ModeGitHub},
		priorityList(false, true))
	assert.Equal(t,
		[]model.ExecutionMode{model.ModeBatch, model.ModeServerless, model.ModeGitHub},
		priorityList(false, false))
}
