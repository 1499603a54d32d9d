package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurify-goto/form-sender-orchestrator/internal/autostop"
	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
)

// The manager must satisfy the auto-stop scheduler's trigger contract.
var _ autostop.TriggerScheduler = (*Manager)(nil)

func TestTickFiresDueHandlers(t *testing.T) {
	now := time.Date(2024, 6, 10, 7, 0, 0, 0, clock.JST)
	m, _, _ := newTestManager(now)
	runner := NewRunner(RunnerOptions{Manager: m})
	ctx := context.Background()

	var fired []string
	runner.Register("startFormSender", func(context.Context) error {
		fired = append(fired, "startFormSender")
		return nil
	})
	runner.Register("autoStopFromSchedule", func(context.Context) error {
		fired = append(fired, "autoStopFromSchedule")
		return nil
	})

	_, err := m.CreateOneShot(ctx, "startFormSender", now.Add(time.Minute))
	require.NoError(t, err)
	_, err = m.CreateOneShot(ctx, "autoStopFromSchedule", now.Add(time.Hour))
	require.NoError(t, err)

	count, err := runner.Tick(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"startFormSender"}, fired)

	// The later trigger fires on a subsequent tick.
	count, err = runner.Tick(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"startFormSender", "autoStopFromSchedule"}, fired)
}

func TestTickConsumesUnknownHandler(t *testing.T) {
	now := time.Date(2024, 6, 10, 7, 0, 0, 0, clock.JST)
	m, _, _ := newTestManager(now)
	runner := NewRunner(RunnerOptions{Manager: m})
	ctx := context.Background()

	_, err := m.CreateOneShot(ctx, "retiredHandler", now.Add(time.Minute))
	require.NoError(t, err)

	count, err := runner.Tick(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, count)

	// The stale record is gone; it never fires again.
	records, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTickHandlerFailureDoesNotStarveOthers(t *testing.T) {
	now := time.Date(2024, 6, 10, 7, 0, 0, 0, clock.JST)
	m, _, _ := newTestManager(now)
	runner := NewRunner(RunnerOptions{Manager: m})
	ctx := context.Background()

	var succeeded bool
	runner.Register("failing", func(context.Context) error { return assert.AnError })
	runner.Register("healthy", func(context.Context) error {
		succeeded = true
		return nil
	})

	_, err := m.CreateOneShot(ctx, "failing", now.Add(time.Minute))
	require.NoError(t, err)
	_, err = m.CreateOneShot(ctx, "healthy", now.Add(time.Minute))
	require.NoError(t, err)

	count, err := runner.Tick(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, succeeded)
}

func TestDailyJobsRejectsBadSpec(t *testing.T) {
	jobs := NewDailyJobs(DailyJobsOptions{})
	err := jobs.Add("not a cron spec", "reset", func(context.Context) error { return nil })
	assert.Error(t, err)

	assert.NoError(t, jobs.Add("0 5 * * *", "reset", func(context.Context) error { return nil }))
}
