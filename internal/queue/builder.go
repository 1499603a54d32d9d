// Package queue builds the per-targeting daily work queues through stored
// procedures. The fast path populates a full queue in one call; when the
// server cancels that call on statement_timeout, the builder falls back to a
// chunked loop with adaptive chunk-size and ID-window control under a
// wall-clock budget.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/rpc"
)

const (
	// DefaultShards is the shard count passed to the full-queue procedure
	// when config does not override it.
	DefaultShards = 8

	chunkTimeBudget = 240 * time.Second
	chunkRetrySleep = 500 * time.Millisecond

	chunkLimitInit = 2000
	chunkLimitMin  = 250
	chunkLimitMax  = 4000

	idWindowInit = 50000
	idWindowMin  = 10000

	// fastStepThreshold grows the chunk size when a step finishes quickly.
	fastStepThreshold = 3 * time.Second

	maxStepsPerStage = 100

	stepStatementTimeout = 120 * time.Second
	fullStatementTimeout = 180 * time.Second
)

// ConfigSource is the slice of the spreadsheet config store the builder needs.
type ConfigSource interface {
	ListActiveTargetings(ctx context.Context) ([]model.ActiveTargeting, error)
	GetTargetingConfig(ctx context.Context, targetingID int) (*model.TargetingConfig, error)
}

// Builder orchestrates the queue-building stored procedures.
type Builder struct {
	caller  rpc.ProcedureCaller
	configs ConfigSource
	tp      clock.TimeProvider
	logger  *slog.Logger
	shards  int
	sleep   func(ctx context.Context, d time.Duration) error
}

// BuilderOptions holds the dependencies and settings for a Builder.
type BuilderOptions struct {
	Caller  rpc.ProcedureCaller
	Configs ConfigSource
	// Shards defaults to DefaultShards when zero.
	Shards       int
	TimeProvider clock.TimeProvider
	Logger       *slog.Logger
	// Sleep overrides the inter-retry sleep; tests use it to avoid real
	// 500 ms waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewBuilder creates a queue builder.
func NewBuilder(opts BuilderOptions) *Builder {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shards := opts.Shards
	if shards <= 0 {
		shards = DefaultShards
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Builder{
		caller:  opts.Caller,
		configs: opts.Configs,
		tp:      tp,
		logger:  logger,
		shards:  shards,
		sleep:   sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BuildOptions selects the table variant for a build.
type BuildOptions struct {
	// TestMode routes the build to the isolated test queue. It overrides
	// UseExtra.
	TestMode bool
	// UseExtra routes the build to the client-scoped extra-company queue.
	UseExtra bool
}

// BuildResult reports the outcome of one targeting's queue build.
type BuildResult struct {
	Success            bool               `json:"success"`
	TargetingID        int                `json:"targeting_id"`
	Inserted           int                `json:"inserted"`
	Variant            model.TableVariant `json:"variant"`
	Chunked            bool               `json:"chunked,omitempty"`
	TimeBudgetExceeded bool               `json:"time_budget_exceeded,omitempty"`
}

// AggregateResult reports a build across all active targetings. Per-targeting
// failures never abort the batch.
type AggregateResult struct {
	Processed     int             `json:"processed"`
	Failed        int             `json:"failed"`
	TotalInserted int             `json:"total_inserted"`
	Details       []TargetingItem `json:"details"`
}

// TargetingItem is one entry in AggregateResult.Details.
type TargetingItem struct {
	TargetingID int    `json:"targeting_id"`
	Success     bool   `json:"success"`
	Inserted    int    `json:"inserted"`
	Error       string `json:"error,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
}

// BuildForTargeting rebuilds today's queue for one targeting: clear, then the
// full-queue procedure, then the chunked fallback if the full build was
// cancelled by statement_timeout.
func (b *Builder) BuildForTargeting(ctx context.Context, targetingID int, opts BuildOptions) (*BuildResult, error) {
	cfg, err := b.configs.GetTargetingConfig(ctx, targetingID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, apperrors.TargetingConfigf("targeting %d not found", targetingID)
	}

	useExtra := opts.UseExtra || cfg.UseExtraTable.True()
	variant := model.ResolveTableVariant(opts.TestMode, useExtra)
	if variant == model.TableExtra && cfg.Client.CompanyName == "" {
		return nil, apperrors.ClientDataField("company_name",
			fmt.Sprintf("targeting %d uses the extra table but client company_name is blank", targetingID))
	}

	targetDate := clock.DateKeyJST(b.tp.Now())

	if err := b.clear(ctx, targetingID, variant); err != nil {
		return nil, err
	}

	inserted, err := b.buildFull(ctx, cfg, variant, targetDate)
	if err == nil {
		b.logger.InfoContext(ctx, "queue built",
			slog.Int("targeting_id", targetingID),
			slog.String("variant", string(variant)),
			slog.Int("inserted", inserted))
		return &BuildResult{
			Success:     true,
			TargetingID: targetingID,
			Inserted:    inserted,
			Variant:     variant,
		}, nil
	}
	if !apperrors.IsStatementTimeout(err) {
		return nil, err
	}

	b.logger.WarnContext(ctx, "full queue build timed out, switching to chunked inserts",
		slog.Int("targeting_id", targetingID),
		slog.String("variant", string(variant)))
	return b.buildChunked(ctx, cfg, variant, targetDate)
}

// BuildForAllActive rebuilds queues for every active targeting, aggregating
// per-targeting outcomes.
func (b *Builder) BuildForAllActive(ctx context.Context, opts BuildOptions) (*AggregateResult, error) {
	targetings, err := b.configs.ListActiveTargetings(ctx)
	if err != nil {
		return nil, err
	}

	agg := &AggregateResult{}
	for _, t := range targetings {
		itemOpts := opts
		itemOpts.UseExtra = opts.UseExtra || t.UseExtraTable

		res, err := b.BuildForTargeting(ctx, t.TargetingID, itemOpts)
		agg.Processed++
		if err != nil {
			agg.Failed++
			b.logger.ErrorContext(ctx, "queue build failed",
				slog.Int("targeting_id", t.TargetingID),
				slog.String("error", err.Error()))
			agg.Details = append(agg.Details, TargetingItem{
				TargetingID: t.TargetingID,
				Error:       err.Error(),
				ErrorType:   string(apperrors.GetCode(err)),
			})
			continue
		}
		agg.TotalInserted += res.Inserted
		agg.Details = append(agg.Details, TargetingItem{
			TargetingID: t.TargetingID,
			Success:     true,
			Inserted:    res.Inserted,
		})
	}
	return agg, nil
}

// ResetAll truncates the day's queue for the variant via the reset procedure.
func (b *Builder) ResetAll(ctx context.Context, variant model.TableVariant) error {
	_, err := b.caller.Call(ctx, rpc.CallRequest{
		Name:             "reset_send_queue_all" + variant.ProcSuffix(),
		Args:             map[string]any{},
		StatementTimeout: fullStatementTimeout,
	})
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeSystem, "reset send queue (%s)", variant)
	}
	return nil
}

func (b *Builder) clear(ctx context.Context, targetingID int, variant model.TableVariant) error {
	_, err := b.caller.Call(ctx, rpc.CallRequest{
		Name:             "clear_send_queue_for_targeting" + variant.ProcSuffix(),
		Args:             map[string]any{"targeting_id": targetingID},
		StatementTimeout: stepStatementTimeout,
	})
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeSystem,
			"clear send queue for targeting %d (%s)", targetingID, variant)
	}
	return nil
}

// buildFull runs the single-call fast path. The procedure applies its own
// fixed cap regardless of the targeting's max_daily_sends.
func (b *Builder) buildFull(ctx context.Context, cfg *model.TargetingConfig, variant model.TableVariant, targetDate string) (int, error) {
	args := map[string]any{
		"target_date":  targetDate,
		"targeting_id": cfg.TargetingID,
		"sql":          cfg.TargetingSQL,
		"ng_companies": cfg.NGCompanies,
		"max_daily":    model.MaxDailySends,
		"shards":       b.shards,
	}
	if variant == model.TableExtra {
		args["use_extra"] = true
		args["client_name"] = cfg.Client.CompanyName
	}

	raw, err := b.caller.Call(ctx, rpc.CallRequest{
		Name:             "create_queue_for_targeting",
		Args:             args,
		StatementTimeout: fullStatementTimeout,
	})
	if err != nil {
		return 0, err
	}
	return parseInserted(raw)
}

// chunkState is the fallback controller's state.
type chunkState struct {
	limit    int
	idWindow int
	afterID  int64
	total    int
	deadline time.Time
}

type stepResult struct {
	Inserted int   `json:"inserted"`
	LastID   int64 `json:"last_id"`
	HasMore  bool  `json:"has_more"`
}

// buildChunked runs the two-stage chunked fallback until the cap, the wall
// clock budget, or the per-stage iteration guard stops it.
func (b *Builder) buildChunked(ctx context.Context, cfg *model.TargetingConfig, variant model.TableVariant, targetDate string) (*BuildResult, error) {
	state := chunkState{
		limit:    chunkLimitInit,
		idWindow: idWindowInit,
		deadline: b.tp.Now().Add(chunkTimeBudget),
	}

	budgetExceeded := false
	for stage := 1; stage <= 2 && !budgetExceeded; stage++ {
		// Each stage restarts its ID scan from the beginning.
		state.afterID = 0
		var err error
		budgetExceeded, err = b.runStage(ctx, cfg, variant, targetDate, stage, &state)
		if err != nil {
			return nil, err
		}
		if state.total >= model.MaxDailySends {
			break
		}
	}

	b.logger.InfoContext(ctx, "chunked queue build finished",
		slog.Int("targeting_id", cfg.TargetingID),
		slog.Int("inserted_total", state.total),
		slog.Bool("time_budget_exceeded", budgetExceeded))

	return &BuildResult{
		Success:            true,
		TargetingID:        cfg.TargetingID,
		Inserted:           state.total,
		Variant:            variant,
		Chunked:            true,
		TimeBudgetExceeded: budgetExceeded,
	}, nil
}

// runStage drives one stage of the chunk loop. It reports whether the wall
// clock budget was exhausted.
func (b *Builder) runStage(ctx context.Context, cfg *model.TargetingConfig, variant model.TableVariant, targetDate string, stage int, state *chunkState) (bool, error) {
	for iter := 0; iter < maxStepsPerStage; iter++ {
		if state.total >= model.MaxDailySends {
			return false, nil
		}
		if !b.tp.Now().Before(state.deadline) {
			return true, nil
		}

		windowStart := state.afterID
		started := b.tp.Now()
		res, err := b.callStep(ctx, cfg, variant, targetDate, stage, state)
		elapsed := b.tp.Now().Sub(started)

		if err != nil {
			if !apperrors.IsStatementTimeout(err) {
				return false, err
			}
			if err := b.shrink(ctx, cfg.TargetingID, stage, state); err != nil {
				return false, err
			}
			if err := b.sleep(ctx, chunkRetrySleep); err != nil {
				return false, err
			}
			continue
		}

		state.total += res.Inserted
		if res.HasMore {
			state.afterID = max(res.LastID, windowStart)
		} else {
			state.afterID = windowStart + int64(state.idWindow)
		}
		if elapsed < fastStepThreshold && state.limit < chunkLimitMax {
			state.limit = min(chunkLimitMax, state.limit*125/100)
		}
	}
	return false, nil
}

// shrink reacts to a statement-timeout inside a step: halve the chunk size
// first, then the ID window; with both at minimum the step cannot complete.
func (b *Builder) shrink(ctx context.Context, targetingID, stage int, state *chunkState) error {
	switch {
	case state.limit > chunkLimitMin:
		state.limit = max(chunkLimitMin, state.limit/2)
	case state.idWindow > idWindowMin:
		state.idWindow = max(idWindowMin, state.idWindow/2)
	default:
		return apperrors.Systemf(
			"chunked build for targeting %d stage %d timed out at minimum chunk size", targetingID, stage)
	}
	b.logger.WarnContext(ctx, "chunk step timed out, shrinking",
		slog.Int("targeting_id", targetingID),
		slog.Int("stage", stage),
		slog.Int("limit", state.limit),
		slog.Int("id_window", state.idWindow))
	return nil
}

func (b *Builder) callStep(ctx context.Context, cfg *model.TargetingConfig, variant model.TableVariant, targetDate string, stage int, state *chunkState) (*stepResult, error) {
	args := map[string]any{
		"target_date":  targetDate,
		"targeting_id": cfg.TargetingID,
		"sql":          cfg.TargetingSQL,
		"ng_companies": cfg.NGCompanies,
		"limit":        state.limit,
		"after_id":     state.afterID,
		"stage":        stage,
		"id_window":    state.idWindow,
	}
	if variant == model.TableExtra {
		args["client_name"] = cfg.Client.CompanyName
	}

	raw, err := b.caller.Call(ctx, rpc.CallRequest{
		Name:             "create_queue_for_targeting_step" + variant.ProcSuffix(),
		Args:             args,
		StatementTimeout: stepStatementTimeout,
	})
	if err != nil {
		return nil, err
	}

	var res stepResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeJSONParse,
			"decode step result for targeting %d", cfg.TargetingID)
	}
	return &res, nil
}

// parseInserted accepts either a bare number or an {inserted: n} object.
func parseInserted(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var obj struct {
		Inserted int `json:"inserted"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Inserted, nil
	}
	return 0, apperrors.Newf(apperrors.ErrCodeJSONParse, "unexpected queue build result %s", string(raw))
}
