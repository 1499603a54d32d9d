// Package config defines the orchestrator's environment-driven
// configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See the individual domain config files
// for the available variables:
//   - database.go: Supabase/Postgres and Redis configuration
//   - google.go: Google service surfaces (Sheets, Calendar, GCS, Cloud Tasks)
//   - dispatch.go: execution-mode defaults and Cloud Batch tunables
//   - scheduler.go: trigger runner and daily maintenance configuration
//   - http.go: admin HTTP API configuration
//   - observability.go: metrics configuration
type AppConfig struct {
	// IsDev relaxes auth and logging for local development.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Services is the comma-delimited list of services to run.
	Services string `env:"SERVICES" envDefault:"runner,http"`

	Supabase SupabaseConfig `envPrefix:"SUPABASE_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`

	Sheets   SheetsConfig
	Calendar CalendarConfig
	GitHub   GitHubConfig `envPrefix:"GITHUB_"`
	Google   GoogleConfig

	Dispatch  DispatchConfig
	Scheduler SchedulerConfig

	HTTP HTTPConfig
	Auth AuthConfig

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// Call it after env parsing.
func (c *AppConfig) Sanitize() {
	c.Supabase.Sanitize()
	c.Sheets.Sanitize()
	c.Dispatch.Sanitize()
	c.Scheduler.Sanitize()
	c.HTTP.Sanitize()
	c.Observability.Sanitize()
}

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the admin HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeRunner runs the trigger runner and daily cron jobs.
	ServiceModeRunner ServiceMode = "runner"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeRunner}
}

// ParseServices parses a comma-delimited string of service names and
// returns the enabled services, rejecting unknown names.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)
	if strings.TrimSpace(servicesStr) == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		switch mode {
		case ServiceModeHTTP, ServiceModeRunner:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service %q (valid: http, runner)", name)
		}
	}
	if len(services) == 0 {
		return services, errors.New("at least one service must be specified")
	}
	return services, nil
}

// GetEnabledServices returns the enabled services based on the Services
// field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the admin HTTP API is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsRunnerEnabled returns true if the trigger runner is enabled.
func (c *AppConfig) IsRunnerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeRunner]
}
