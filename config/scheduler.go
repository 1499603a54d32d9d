package config

import "time"

// SchedulerConfig controls the trigger runner, the auto-stop scheduler, and
// the daily maintenance cron.
type SchedulerConfig struct {
	// TickInterval is the trigger runner polling interval.
	TickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"15s"`

	// DailyResetCron and ExtraResetCron fire the queue reset procedures,
	// evaluated in JST.
	DailyResetCron string `env:"QUEUE_RESET_CRON"       envDefault:"0 5 * * *"`
	ExtraResetCron string `env:"QUEUE_RESET_EXTRA_CRON" envDefault:"10 5 * * *"`

	// AutoStopMinDelay keeps stop triggers at least this far in the future.
	AutoStopMinDelay time.Duration `env:"AUTO_STOP_MIN_DELAY" envDefault:"60s"`

	// DefaultSessionHours is the session runtime limit fallback.
	DefaultSessionHours float64 `env:"DEFAULT_SESSION_MAX_HOURS" envDefault:"8"`

	// DefaultSendEndTime is the business end-of-day fallback (HH:MM JST).
	DefaultSendEndTime string `env:"DEFAULT_SEND_END_TIME" envDefault:"18:00"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (c *SchedulerConfig) Sanitize() {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.AutoStopMinDelay <= 0 {
		c.AutoStopMinDelay = 60 * time.Second
	}
	if c.DefaultSessionHours <= 0 {
		c.DefaultSessionHours = 8
	}
	if c.DefaultSendEndTime == "" {
		c.DefaultSendEndTime = "18:00"
	}
	if c.DailyResetCron == "" {
		c.DailyResetCron = "0 5 * * *"
	}
	if c.ExtraResetCron == "" {
		c.ExtraResetCron = "10 5 * * *"
	}
}
