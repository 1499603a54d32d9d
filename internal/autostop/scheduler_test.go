package autostop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	"github.com/neurify-goto/form-sender-orchestrator/internal/props"
)

type fakeTriggers struct {
	created []struct {
		handler string
		at      time.Time
	}
	deletes int
	nextID  string
	err     error
}

func (f *fakeTriggers) CreateOneShot(_ context.Context, handler string, at time.Time) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, struct {
		handler string
		at      time.Time
	}{handler, at})
	if f.nextID == "" {
		f.nextID = "trigger-1"
	}
	return f.nextID, nil
}

func (f *fakeTriggers) DeleteByHandler(context.Context, string) error {
	f.deletes++
	return nil
}

type fakeStopper struct {
	stoppedAll   bool
	targeted     []int
	err          error
	targetedErrs map[int]error
}

func (f *fakeStopper) StopAll(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.stoppedAll = true
	return nil
}

func (f *fakeStopper) StopTargeting(_ context.Context, id int) error {
	if f.err != nil {
		return f.err
	}
	if err, ok := f.targetedErrs[id]; ok {
		return err
	}
	f.targeted = append(f.targeted, id)
	return nil
}

type schedulerFixture struct {
	scheduler *Scheduler
	store     *props.MemoryStore
	triggers  *fakeTriggers
	stopper   *fakeStopper
	tp        *clock.FixedTimeProvider
}

func newSchedulerFixture(t *testing.T, now time.Time) *schedulerFixture {
	t.Helper()
	store := props.NewMemoryStore()
	triggers := &fakeTriggers{}
	stopper := &fakeStopper{}
	tp := clock.NewFixedTimeProvider(now)
	return &schedulerFixture{
		scheduler: NewScheduler(SchedulerOptions{
			Store:        store,
			Triggers:     triggers,
			Stopper:      stopper,
			TimeProvider: tp,
		}),
		store:    store,
		triggers: triggers,
		stopper:  stopper,
		tp:       tp,
	}
}

func (f *schedulerFixture) schedule(t *testing.T) model.StopSchedule {
	t.Helper()
	var s model.StopSchedule
	require.NoError(t, props.GetJSON(context.Background(), f.store, props.KeyAutoStopSchedule, &s))
	return s
}

func TestRegisterSessionStartCreatesGlobalEntry(t *testing.T) {
	now := time.Date(2024, 6, 10, 7, 0, 0, 0, clock.JST)
	f := newSchedulerFixture(t, now)

	require.NoError(t, f.scheduler.RegisterSessionStart(context.Background(), "startFormSender", true))

	s := f.schedule(t)
	require.Len(t, s.Entries, 1)
	entry := s.Entries[0]
	assert.True(t, entry.Global())
	assert.Equal(t, model.StopReasonMaxRuntime, entry.Reason)
	assert.Equal(t, now.Add(8*time.Hour).UnixMilli(), entry.StopAtEpochMS)

	// Exactly one trigger bound at the stop instant.
	require.Len(t, f.triggers.created, 1)
	assert.Equal(t, HandlerName, f.triggers.created[0].handler)
	assert.Equal(t, now.Add(8*time.Hour).UnixMilli(), f.triggers.created[0].at.UnixMilli())

	id, err := f.store.Get(context.Background(), props.KeyAutoStopTriggerID)
	require.NoError(t, err)
	assert.Equal(t, "trigger-1", id)
}

func TestRegisterForTargetingAddsBothEntries(t *testing.T) {
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, clock.JST)
	f := newSchedulerFixture(t, now)

	cfg := &model.TargetingConfig{
		TargetingID:     5,
		SendEndTime:     "18:00",
		SessionMaxHours: 4,
	}
	require.NoError(t, f.scheduler.RegisterForTargeting(context.Background(), cfg))

	s := f.schedule(t)
	require.Len(t, s.Entries, 2)

	// Sorted ascending: max_runtime at 13:00 precedes business_end 18:00.
	assert.Equal(t, model.StopReasonMaxRuntime, s.Entries[0].Reason)
	assert.Equal(t, now.Add(4*time.Hour).UnixMilli(), s.Entries[0].StopAtEpochMS)
	assert.Equal(t, model.StopReasonBusinessEnd, s.Entries[1].Reason)
	expectedEnd := time.Date(2024, 6, 10, 18, 0, 0, 0, clock.JST)
	assert.Equal(t, expectedEnd.UnixMilli(), s.Entries[1].StopAtEpochMS)
	require.NotNil(t, s.Entries[0].TargetingID)
	assert.Equal(t, 5, *s.Entries[0].TargetingID)
}

func TestRegisterForTargetingEnforcesMinDelay(t *testing.T) {
	// 17:59:30: business end 18:00 is inside the 60 s minimum delay.
	now := time.Date(2024, 6, 10, 17, 59, 30, 0, clock.JST)
	f := newSchedulerFixture(t, now)

	cfg := &model.TargetingConfig{TargetingID: 5, SendEndTime: "18:00", SessionMaxHours: 8}
	require.NoError(t, f.scheduler.RegisterForTargeting(context.Background(), cfg))

	s := f.schedule(t)
	var businessEnd *model.AutoStopEntry
	for i := range s.Entries {
		if s.Entries[i].Reason == model.StopReasonBusinessEnd {
			businessEnd = &s.Entries[i]
		}
	}
	require.NotNil(t, businessEnd)
	assert.Equal(t, now.Add(DefaultMinDelay).UnixMilli(), businessEnd.StopAtEpochMS)
}

func TestRegisterReplacesEntryWithSameKey(t *testing.T) {
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, clock.JST)
	f := newSchedulerFixture(t, now)
	cfg := &model.TargetingConfig{TargetingID: 5, SendEndTime: "18:00", SessionMaxHours: 4}

	require.NoError(t, f.scheduler.RegisterForTargeting(context.Background(), cfg))
	f.tp.AddTime(30 * time.Minute)
	require.NoError(t, f.scheduler.RegisterForTargeting(context.Background(), cfg))

	s := f.schedule(t)
	// Still two entries: the re-registration replaced both keys.
	require.Len(t, s.Entries, 2)
	assert.Equal(t, now.Add(30*time.Minute).Add(4*time.Hour).UnixMilli(), s.Entries[0].StopAtEpochMS)
}

func TestHandleDueFiresTargetedStopAndRebinds(t *testing.T) {
	// Spec-style scenario: a targeted business-end stop 5 s out and a
	// global max-runtime stop 30 min out.
	now := time.Date(2024, 6, 10, 17, 59, 55, 0, clock.JST)
	f := newSchedulerFixture(t, now)

	id := 1
	schedule := model.NewStopSchedule().Merge([]model.AutoStopEntry{
		model.NewAutoStopEntry(&id, model.StopReasonBusinessEnd, now.Add(5*time.Second)),
		model.NewAutoStopEntry(nil, model.StopReasonMaxRuntime, now.Add(30*time.Minute)),
	}, now, DefaultMinDelay)
	require.NoError(t, props.SetJSON(context.Background(), f.store, props.KeyAutoStopSchedule, &schedule))

	// The handler runs 6 s later.
	f.tp.AddTime(6 * time.Second)
	res, err := f.scheduler.HandleDue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1}, f.stopper.targeted)
	assert.False(t, f.stopper.stoppedAll)
	assert.False(t, res.GlobalStopped)
	assert.Equal(t, 1, res.Remaining)

	// The surviving global entry is rebound as the next trigger.
	s := f.schedule(t)
	require.Len(t, s.Entries, 1)
	assert.True(t, s.Entries[0].Global())
	require.NotEmpty(t, f.triggers.created)
	last := f.triggers.created[len(f.triggers.created)-1]
	assert.Equal(t, s.Entries[0].StopAtEpochMS, last.at.UnixMilli())
}

func TestHandleDueGlobalStopClearsSchedule(t *testing.T) {
	now := time.Date(2024, 6, 10, 15, 0, 0, 0, clock.JST)
	f := newSchedulerFixture(t, now)

	id := 7
	schedule := model.NewStopSchedule().Merge([]model.AutoStopEntry{
		model.NewAutoStopEntry(nil, model.StopReasonMaxRuntime, now.Add(2*time.Second)),
		model.NewAutoStopEntry(&id, model.StopReasonBusinessEnd, now.Add(time.Hour)),
	}, now, DefaultMinDelay)
	require.NoError(t, props.SetJSON(context.Background(), f.store, props.KeyAutoStopSchedule, &schedule))

	f.tp.AddTime(3 * time.Second)
	res, err := f.scheduler.HandleDue(context.Background())
	require.NoError(t, err)

	assert.True(t, res.GlobalStopped)
	assert.True(t, f.stopper.stoppedAll)
	assert.Empty(t, f.stopper.targeted)
	assert.Equal(t, 0, res.Remaining)

	// Schedule cleared entirely; no new trigger.
	err = props.GetJSON(context.Background(), f.store, props.KeyAutoStopSchedule, &model.StopSchedule{})
	assert.ErrorIs(t, err, props.ErrNotFound)
}

func TestHandleDueRetainsEntryWhenStopFails(t *testing.T) {
	now := time.Date(2024, 6, 10, 17, 59, 55, 0, clock.JST)
	f := newSchedulerFixture(t, now)
	f.stopper.targetedErrs = map[int]error{1: assert.AnError}

	one, two := 1, 2
	schedule := model.NewStopSchedule().Merge([]model.AutoStopEntry{
		model.NewAutoStopEntry(&one, model.StopReasonBusinessEnd, now.Add(2*time.Second)),
		model.NewAutoStopEntry(&two, model.StopReasonBusinessEnd, now.Add(4*time.Second)),
	}, now, DefaultMinDelay)
	require.NoError(t, props.SetJSON(context.Background(), f.store, props.KeyAutoStopSchedule, &schedule))

	f.tp.AddTime(5 * time.Second)
	res, err := f.scheduler.HandleDue(context.Background())
	require.NoError(t, err)

	// Targeting 2 stopped; targeting 1 failed and must survive the pass.
	assert.Equal(t, []int{2}, f.stopper.targeted)
	require.Len(t, res.Fired, 1)
	assert.Equal(t, 1, res.Remaining)

	s := f.schedule(t)
	require.Len(t, s.Entries, 1)
	require.NotNil(t, s.Entries[0].TargetingID)
	assert.Equal(t, 1, *s.Entries[0].TargetingID)

	// The retained entry is already past due, so the rebound trigger is
	// pushed to the minimum-delay floor for the retry.
	require.NotEmpty(t, f.triggers.created)
	last := f.triggers.created[len(f.triggers.created)-1]
	assert.Equal(t, f.tp.Now().Add(DefaultMinDelay).UnixMilli(), last.at.UnixMilli())
}

func TestHandleDueRetainsGlobalEntryWhenStopAllFails(t *testing.T) {
	now := time.Date(2024, 6, 10, 15, 0, 0, 0, clock.JST)
	f := newSchedulerFixture(t, now)
	f.stopper.err = assert.AnError

	schedule := model.NewStopSchedule().Merge([]model.AutoStopEntry{
		model.NewAutoStopEntry(nil, model.StopReasonMaxRuntime, now.Add(2*time.Second)),
	}, now, DefaultMinDelay)
	require.NoError(t, props.SetJSON(context.Background(), f.store, props.KeyAutoStopSchedule, &schedule))

	f.tp.AddTime(3 * time.Second)
	res, err := f.scheduler.HandleDue(context.Background())
	require.NoError(t, err)

	assert.False(t, res.GlobalStopped)
	assert.Empty(t, res.Fired)
	assert.Equal(t, 1, res.Remaining)

	s := f.schedule(t)
	require.Len(t, s.Entries, 1)
	assert.True(t, s.Entries[0].Global())
}

func TestRefreshTriggerNoopOnEmptySchedule(t *testing.T) {
	now := time.Date(2024, 6, 10, 15, 0, 0, 0, clock.JST)
	f := newSchedulerFixture(t, now)

	require.NoError(t, f.scheduler.RefreshTrigger(context.Background()))
	assert.Empty(t, f.triggers.created)
	assert.Equal(t, 1, f.triggers.deletes)
}

func TestTriggerCreationFailureIsNonFatal(t *testing.T) {
	now := time.Date(2024, 6, 10, 7, 0, 0, 0, clock.JST)
	f := newSchedulerFixture(t, now)
	f.triggers.err = assert.AnError

	// The schedule must persist even though the trigger could not bind.
	require.NoError(t, f.scheduler.RegisterSessionStart(context.Background(), "startFormSender", false))
	s := f.schedule(t)
	assert.Len(t, s.Entries, 1)
}
