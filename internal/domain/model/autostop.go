package model

import (
	"sort"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
)

// StopReason identifies why an auto-stop entry was scheduled.
type StopReason string

const (
	// StopReasonMaxRuntime stops a session when it exceeds its maximum hours.
	StopReasonMaxRuntime StopReason = "max_runtime"
	// StopReasonBusinessEnd stops a targeting at the configured end-of-day.
	StopReasonBusinessEnd StopReason = "business_end"
)

// AutoStopEntry is one scheduled stop. A nil TargetingID means "stop all".
type AutoStopEntry struct {
	TargetingID   *int              `json:"targeting_id"`
	Reason        StopReason        `json:"reason"`
	StopAtEpochMS int64             `json:"stop_at_epoch_ms"`
	StopAtISO     string            `json:"stop_at_iso"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewAutoStopEntry builds an entry stopping at the given instant.
func NewAutoStopEntry(targetingID *int, reason StopReason, stopAt time.Time) AutoStopEntry {
	return AutoStopEntry{
		TargetingID:   targetingID,
		Reason:        reason,
		StopAtEpochMS: stopAt.UnixMilli(),
		StopAtISO:     clock.ISOJST(stopAt),
	}
}

// Global reports whether the entry stops all targetings.
func (e AutoStopEntry) Global() bool { return e.TargetingID == nil }

// key identifies the (targeting, reason) merge key; global entries use -1.
func (e AutoStopEntry) key() [2]int {
	id := -1
	if e.TargetingID != nil {
		id = *e.TargetingID
	}
	return [2]int{id, reasonOrdinal(e.Reason)}
}

func reasonOrdinal(r StopReason) int {
	if r == StopReasonBusinessEnd {
		return 1
	}
	return 0
}

// StopSchedule is the persisted ordered set of auto-stop entries.
// Entries are kept sorted ascending by StopAtEpochMS and at most one entry
// exists per (targeting_id, reason) pair.
type StopSchedule struct {
	Version int             `json:"version"`
	Entries []AutoStopEntry `json:"entries"`
}

// NewStopSchedule returns an empty version-1 schedule.
func NewStopSchedule() StopSchedule {
	return StopSchedule{Version: 1}
}

// Merge drops entries staler than now−minDelay, replaces entries sharing a
// (targeting, reason) key with the incoming ones, and re-sorts.
func (s StopSchedule) Merge(incoming []AutoStopEntry, now time.Time, minDelay time.Duration) StopSchedule {
	cutoff := now.Add(-minDelay).UnixMilli()

	merged := make(map[[2]int]AutoStopEntry)
	for _, e := range s.Entries {
		if e.StopAtEpochMS < cutoff {
			continue
		}
		merged[e.key()] = e
	}
	for _, e := range incoming {
		merged[e.key()] = e
	}

	out := StopSchedule{Version: 1, Entries: make([]AutoStopEntry, 0, len(merged))}
	for _, e := range merged {
		out.Entries = append(out.Entries, e)
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].StopAtEpochMS < out.Entries[j].StopAtEpochMS
	})
	return out
}

// Due returns the entries due at or before the horizon, and the remainder.
func (s StopSchedule) Due(horizon time.Time) (due, remaining []AutoStopEntry) {
	h := horizon.UnixMilli()
	for _, e := range s.Entries {
		if e.StopAtEpochMS <= h {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	return due, remaining
}

// Earliest returns the soonest entry, or false when the schedule is empty.
func (s StopSchedule) Earliest() (AutoStopEntry, bool) {
	if len(s.Entries) == 0 {
		return AutoStopEntry{}, false
	}
	return s.Entries[0], true
}
