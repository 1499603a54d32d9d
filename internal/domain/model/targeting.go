// Package model contains the typed domain objects of the form-sender
// orchestrator: joined targeting configuration, auto-stop schedule entries,
// run-index counters, and dispatch payloads.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Limits and defaults for targeting configuration.
const (
	// MaxDailySends caps the per-targeting daily queue size.
	MaxDailySends = 10000
	// DefaultSendEndTime is applied when a targeting row leaves send_end_time blank.
	DefaultSendEndTime = "18:00"
	// DefaultSessionMaxHours is the fallback session length when neither the
	// row nor the global property define one.
	DefaultSessionMaxHours = 8
	// DefaultConcurrentWorkflow is the minimum number of concurrent runs.
	DefaultConcurrentWorkflow = 1
)

// TriState represents a boolean flag that may be explicitly set or absent.
// Mode resolution distinguishes "explicitly true" from "true by default".
type TriState int

const (
	// TriUnset means the flag was not present on the row.
	TriUnset TriState = iota
	// TriFalse means the flag was explicitly false.
	TriFalse
	// TriTrue means the flag was explicitly true.
	TriTrue
)

// ParseTriState interprets spreadsheet cell text as a TriState.
// Accepted truthy values: true|1|yes|on (case-insensitive).
func ParseTriState(s string) TriState {
	s = strings.TrimSpace(s)
	if s == "" {
		return TriUnset
	}
	if ParseBool(s) {
		return TriTrue
	}
	return TriFalse
}

// True reports whether the flag is explicitly true.
func (t TriState) True() bool { return t == TriTrue }

// Explicit reports whether the flag was present at all.
func (t TriState) Explicit() bool { return t != TriUnset }

// ParseBool accepts true|1|yes|on (case-insensitive) as true.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// ClientProfile is the sender identity referenced by a targeting row.
// RequiredFields lists the 21 fields that must be non-blank.
type ClientProfile struct {
	CompanyName       string `json:"company_name"`
	Name              string `json:"name"`
	LastName          string `json:"last_name"`
	FirstName         string `json:"first_name"`
	LastNameKana      string `json:"last_name_kana"`
	FirstNameKana     string `json:"first_name_kana"`
	LastNameHiragana  string `json:"last_name_hiragana"`
	FirstNameHiragana string `json:"first_name_hiragana"`
	Position          string `json:"position"`
	Gender            string `json:"gender"`
	EmailLocal        string `json:"email_1"`
	EmailDomain       string `json:"email_2"`
	Phone1            string `json:"phone_1"`
	Phone2            string `json:"phone_2"`
	Phone3            string `json:"phone_3"`
	PostalCode1       string `json:"postal_code_1"`
	PostalCode2       string `json:"postal_code_2"`
	Address1          string `json:"address_1"`
	Address2          string `json:"address_2"`
	Address3          string `json:"address_3"`
	Address4          string `json:"address_4"`

	// Optional fields.
	Department string `json:"department,omitempty"`
	WebsiteURL string `json:"website_url,omitempty"`
	Address5   string `json:"address_5,omitempty"`
}

// requiredClientFields maps field names (as they appear in the sheet header)
// to accessors, in validation order.
func (c *ClientProfile) requiredClientFields() []struct {
	name  string
	value string
} {
	return []struct {
		name  string
		value string
	}{
		{"company_name", c.CompanyName},
		{"name", c.Name},
		{"last_name", c.LastName},
		{"first_name", c.FirstName},
		{"last_name_kana", c.LastNameKana},
		{"first_name_kana", c.FirstNameKana},
		{"last_name_hiragana", c.LastNameHiragana},
		{"first_name_hiragana", c.FirstNameHiragana},
		{"position", c.Position},
		{"gender", c.Gender},
		{"email_1", c.EmailLocal},
		{"email_2", c.EmailDomain},
		{"phone_1", c.Phone1},
		{"phone_2", c.Phone2},
		{"phone_3", c.Phone3},
		{"postal_code_1", c.PostalCode1},
		{"postal_code_2", c.PostalCode2},
		{"address_1", c.Address1},
		{"address_2", c.Address2},
		{"address_3", c.Address3},
		{"address_4", c.Address4},
	}
}

// MissingRequiredFields returns the names of required fields that are blank.
func (c *ClientProfile) MissingRequiredFields() []string {
	var missing []string
	for _, f := range c.requiredClientFields() {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// BatchOptions holds the optional per-targeting Cloud Batch knobs.
// Zero values mean "use the global default".
type BatchOptions struct {
	InstanceCount      int    `json:"instance_count,omitempty"`
	WorkersPerWorkflow int    `json:"workers_per_workflow,omitempty"`
	VCPUPerWorker      int    `json:"vcpu_per_worker,omitempty"`
	MemoryPerWorkerMB  int    `json:"memory_per_worker_mb,omitempty"`
	MemoryBufferMB     int    `json:"memory_buffer_mb,omitempty"`
	MachineType        string `json:"machine_type,omitempty"`
	MaxParallelism     int    `json:"max_parallelism,omitempty"`
	MaxAttempts        int    `json:"max_attempts,omitempty"`
}

// TargetingConfig is the joined view of one targeting row and its client.
// It is fetched on demand and immutable for the duration of an invocation.
type TargetingConfig struct {
	TargetingID int    `json:"targeting_id"`
	ClientID    int    `json:"client_id"`
	Active      bool   `json:"active"`
	Description string `json:"description"`

	Client ClientProfile `json:"client"`

	Subject            string   `json:"subject"`
	Message            string   `json:"message"`
	TargetingSQL       string   `json:"targeting_sql"`
	NGCompanies        []string `json:"ng_companies"`
	MaxDailySends      int      `json:"max_daily_sends"`
	SendStartTime      string   `json:"send_start_time"`
	SendEndTime        string   `json:"send_end_time"`
	SendDaysOfWeek     []int    `json:"send_days_of_week"`
	ConcurrentWorkflow int      `json:"concurrent_workflow"`
	SessionMaxHours    float64  `json:"session_max_hours"`

	UseExtraTable TriState `json:"-"`
	UseServerless TriState `json:"-"`
	UseGCPBatch   TriState `json:"-"`

	Batch BatchOptions `json:"batch_options,omitempty"`
}

// ActiveTargeting is the summary row returned by ListActiveTargetings.
type ActiveTargeting struct {
	TargetingID        int    `json:"targeting_id"`
	ClientID           int    `json:"client_id"`
	Description        string `json:"description"`
	ConcurrentWorkflow int    `json:"concurrent_workflow"`
	UseExtraTable      bool   `json:"use_extra_table"`
}

// ParseTimeOfDay parses "HH:MM" into minutes since midnight.
// Valid range is [00:00 .. 23:59].
func ParseTimeOfDay(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return hour*60 + minute, nil
}

// FormatTimeOfDay renders minutes since midnight as "HH:MM".
func FormatTimeOfDay(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// DefaultSendDays is the send_days_of_week fallback: Sunday..Thursday in the
// JS weekday convention (0=Sunday).
func DefaultSendDays() []int {
	return []int{0, 1, 2, 3, 4}
}

// ParseSendDaysOfWeek parses a comma-separated weekday list, filtering to
// {0..6}. Malformed or empty input falls back to the default set.
func ParseSendDaysOfWeek(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSendDays()
	}

	seen := make(map[int]bool)
	var days []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return DefaultSendDays()
		}
		if d < 0 || d > 6 {
			continue
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return DefaultSendDays()
	}
	return days
}

// UnescapeMessage converts literal \n, \t and \r escape sequences from
// spreadsheet cells into their control characters.
func UnescapeMessage(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r")
	return r.Replace(s)
}

// SplitNGCompanies splits a company NG list on ASCII and full-width commas,
// trimming blanks.
func SplitNGCompanies(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "、", ",")
	s = strings.ReplaceAll(s, "，", ",")
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
