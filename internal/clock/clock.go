// Package clock provides time sources that can be substituted in tests.
// All orchestration decisions are made in JST, so the package also owns the
// Asia/Tokyo location and the JST formatting helpers used across components.
package clock

import "time"

// TimeProvider provides time-related functionality that can be mocked for testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// JST is the Asia/Tokyo location (UTC+09:00, no DST).
var JST = time.FixedZone("Asia/Tokyo", 9*60*60)

// NowJST returns the provider's current time converted to JST.
func NowJST(tp TimeProvider) time.Time {
	return tp.Now().In(JST)
}

// DateKeyJST formats t as yyyy-MM-dd in JST; the canonical key for daily
// counters and holiday memoization.
func DateKeyJST(t time.Time) string {
	return t.In(JST).Format("2006-01-02")
}

// CompactDateJST formats t as yyyyMMdd in JST; used in task names and
// artifact object paths.
func CompactDateJST(t time.Time) string {
	return t.In(JST).Format("20060102")
}

// ISOJST formats t as ISO-8601 with the +09:00 offset.
func ISOJST(t time.Time) string {
	return t.In(JST).Format("2006-01-02T15:04:05+09:00")
}

// RealTimeProvider implements TimeProvider using real system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (r *RealTimeProvider) Now() time.Time {
	return time.Now()
}

// FixedTimeProvider implements TimeProvider with a fixed time for testing.
type FixedTimeProvider struct {
	fixedTime time.Time
}

// NewFixedTimeProvider creates a new FixedTimeProvider with the given time.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{fixedTime: t}
}

// Now returns the fixed time.
func (f *FixedTimeProvider) Now() time.Time {
	return f.fixedTime
}

// SetTime updates the fixed time.
func (f *FixedTimeProvider) SetTime(t time.Time) {
	f.fixedTime = t
}

// AddTime advances the fixed time by d.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.fixedTime = f.fixedTime.Add(d)
}
