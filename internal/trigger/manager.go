// Package trigger implements one-shot trigger records persisted in the
// property store, the tick runner that fires them into registered handlers,
// and the cron schedule for daily maintenance jobs.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/props"
)

// mutexName serializes record mutations across processes.
const mutexName = "trigger-records"

// Record is one persisted one-shot trigger. At most one record exists per
// handler; re-creating a trigger for a handler replaces the previous one.
type Record struct {
	ID            string `json:"id"`
	Handler       string `json:"handler"`
	FireAtEpochMS int64  `json:"fire_at_epoch_ms"`
}

// FireAt returns the record's fire instant.
func (r Record) FireAt() time.Time {
	return time.UnixMilli(r.FireAtEpochMS)
}

type recordSet struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Manager owns the persisted trigger records.
type Manager struct {
	store  props.Store
	locker props.Locker
	tp     clock.TimeProvider
	logger *slog.Logger
}

// ManagerOptions holds the dependencies for a Manager.
type ManagerOptions struct {
	Store props.Store
	// Locker guards record mutations across processes. A nil locker runs
	// mutations unguarded (tests, single-process tooling).
	Locker       props.Locker
	TimeProvider clock.TimeProvider
	Logger       *slog.Logger
}

// NewManager creates a trigger manager.
func NewManager(opts ManagerOptions) *Manager {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  opts.Store,
		locker: opts.Locker,
		tp:     tp,
		logger: logger,
	}
}

func (m *Manager) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.locker == nil {
		return fn(ctx)
	}
	return m.locker.WithLock(ctx, mutexName, fn)
}

func (m *Manager) load(ctx context.Context) (recordSet, error) {
	var set recordSet
	err := props.GetJSON(ctx, m.store, props.KeyTriggers, &set)
	if errors.Is(err, props.ErrNotFound) {
		return recordSet{Version: 1}, nil
	}
	if err != nil {
		return recordSet{}, apperrors.Wrap(err, apperrors.ErrCodeSystem, "load trigger records")
	}
	return set, nil
}

func (m *Manager) save(ctx context.Context, set recordSet) error {
	if len(set.Records) == 0 {
		if err := m.store.Delete(ctx, props.KeyTriggers); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeSystem, "clear trigger records")
		}
		return nil
	}
	sort.Slice(set.Records, func(i, j int) bool {
		return set.Records[i].FireAtEpochMS < set.Records[j].FireAtEpochMS
	})
	if err := props.SetJSON(ctx, m.store, props.KeyTriggers, &set); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSystem, "save trigger records")
	}
	return nil
}

// CreateOneShot registers a trigger firing handler at the given instant,
// replacing any existing record for the same handler. Past instants are
// rejected.
func (m *Manager) CreateOneShot(ctx context.Context, handler string, at time.Time) (string, error) {
	if handler == "" {
		return "", apperrors.Newf(apperrors.ErrCodeSystem, "trigger handler name is required")
	}
	now := m.tp.Now()
	if !at.After(now) {
		return "", apperrors.Newf(apperrors.ErrCodeSystem,
			"trigger fire time %s for %s is not in the future", at.Format(time.RFC3339), handler)
	}

	id := uuid.NewString()
	err := m.withLock(ctx, func(ctx context.Context) error {
		set, err := m.load(ctx)
		if err != nil {
			return err
		}
		kept := set.Records[:0]
		for _, r := range set.Records {
			if r.Handler != handler {
				kept = append(kept, r)
			}
		}
		set.Records = append(kept, Record{
			ID:            id,
			Handler:       handler,
			FireAtEpochMS: at.UnixMilli(),
		})
		return m.save(ctx, set)
	})
	if err != nil {
		return "", err
	}

	m.logger.InfoContext(ctx, "trigger created",
		slog.String("trigger_id", id),
		slog.String("handler", handler),
		slog.Time("fire_at", at))
	return id, nil
}

// DeleteByHandler removes every record for the handler. Missing records are
// not an error.
func (m *Manager) DeleteByHandler(ctx context.Context, handler string) error {
	return m.withLock(ctx, func(ctx context.Context) error {
		set, err := m.load(ctx)
		if err != nil {
			return err
		}
		kept := set.Records[:0]
		for _, r := range set.Records {
			if r.Handler != handler {
				kept = append(kept, r)
			}
		}
		set.Records = kept
		return m.save(ctx, set)
	})
}

// DeleteCurrent removes the record with the given ID, typically the one
// whose invocation is currently executing.
func (m *Manager) DeleteCurrent(ctx context.Context, id string) error {
	return m.withLock(ctx, func(ctx context.Context) error {
		set, err := m.load(ctx)
		if err != nil {
			return err
		}
		kept := set.Records[:0]
		for _, r := range set.Records {
			if r.ID != id {
				kept = append(kept, r)
			}
		}
		set.Records = kept
		return m.save(ctx, set)
	})
}

// List returns every pending trigger record sorted by fire time.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	set, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(set.Records, func(i, j int) bool {
		return set.Records[i].FireAtEpochMS < set.Records[j].FireAtEpochMS
	})
	return set.Records, nil
}

// ClaimDue atomically removes and returns every record due at now. Claimed
// records are consumed whether or not their handler later succeeds; a
// handler needing another invocation re-creates its trigger.
func (m *Manager) ClaimDue(ctx context.Context, now time.Time) ([]Record, error) {
	var due []Record
	err := m.withLock(ctx, func(ctx context.Context) error {
		set, err := m.load(ctx)
		if err != nil {
			return err
		}
		var pending []Record
		for _, r := range set.Records {
			if r.FireAtEpochMS <= now.UnixMilli() {
				due = append(due, r)
			} else {
				pending = append(pending, r)
			}
		}
		if len(due) == 0 {
			return nil
		}
		set.Records = pending
		return m.save(ctx, set)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].FireAtEpochMS < due[j].FireAtEpochMS
	})
	return due, nil
}
