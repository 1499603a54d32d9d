// Package calendar implements the business-day predicate and the
// holiday-aware scheduling arithmetic. All decisions are made in JST;
// weekends use the JS weekday convention (0=Sunday, 6=Saturday) which
// matches Go's time.Weekday numbering.
package calendar

import (
	"context"
	"log/slog"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
)

// MaxSkipDays caps how many non-business days the scheduler skips forward
// before giving up and settling for the next non-weekend day.
const MaxSkipDays = 10

// HolidayProvider answers whether a JST date is a public holiday.
// Implementations should return an error when the upstream calendar is
// unreachable; the Calendar decides how to degrade.
type HolidayProvider interface {
	IsHoliday(ctx context.Context, date time.Time) (bool, error)
}

// Calendar memoizes holiday lookups per instance and applies the documented
// degradation: an unavailable provider is treated as "business day".
type Calendar struct {
	provider HolidayProvider
	logger   *slog.Logger

	memo map[string]bool
}

// Options holds the dependencies for creating a Calendar.
type Options struct {
	Provider HolidayProvider
	Logger   *slog.Logger
}

// New creates a Calendar. A nil provider means no holidays (weekends only).
func New(opts Options) *Calendar {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Calendar{
		provider: opts.Provider,
		logger:   opts.Logger,
		memo:     make(map[string]bool),
	}
}

// IsWeekend reports whether the JST date falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	dow := t.In(clock.JST).Weekday()
	return dow == time.Sunday || dow == time.Saturday
}

// IsHoliday returns the memoized holiday answer for the JST date.
// The third return is false when the provider failed and no cached answer
// exists; callers decide the fallback (spec: treat as business day).
func (c *Calendar) IsHoliday(ctx context.Context, date time.Time) (holiday, known bool) {
	key := clock.DateKeyJST(date)
	if v, ok := c.memo[key]; ok {
		return v, true
	}
	if c.provider == nil {
		c.memo[key] = false
		return false, true
	}

	v, err := c.provider.IsHoliday(ctx, date)
	if err != nil {
		c.logger.WarnContext(ctx, "holiday lookup failed, treating as business day",
			"date", key, "error", err)
		return false, false
	}
	c.memo[key] = v
	return v, true
}

// IsBusinessDay reports whether the JST date is a weekday and not a holiday.
// Holiday-provider failure degrades to "business day".
func (c *Calendar) IsBusinessDay(ctx context.Context, date time.Time) bool {
	if IsWeekend(date) {
		return false
	}
	holiday, _ := c.IsHoliday(ctx, date)
	return !holiday
}

// NextWeekdayTimeAt returns the next execution instant at hour:00 JST,
// starting from tomorrow and skipping weekends and holidays up to
// MaxSkipDays. If the cap trips and the candidate still falls on a weekend,
// it is pushed forward to Monday.
func (c *Calendar) NextWeekdayTimeAt(ctx context.Context, hour int, now time.Time) time.Time {
	nowJST := now.In(clock.JST)
	candidate := time.Date(nowJST.Year(), nowJST.Month(), nowJST.Day(), hour, 0, 0, 0, clock.JST).
		AddDate(0, 0, 1)

	for i := 0; i < MaxSkipDays; i++ {
		holiday, _ := c.IsHoliday(ctx, candidate)
		if !IsWeekend(candidate) && !holiday {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}

	// Cap tripped: never land on a weekend even if holidays are unknown.
	for IsWeekend(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// NextExecutionTime returns the next execution instant preserving the hour
// of now (the per-handler variants bind 7 or 13 through NextWeekdayTimeAt).
func (c *Calendar) NextExecutionTime(ctx context.Context, now time.Time) time.Time {
	return c.NextWeekdayTimeAt(ctx, now.In(clock.JST).Hour(), now)
}
