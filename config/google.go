package config

import "strings"

// SheetsConfig locates the operator spreadsheet holding client and
// targeting rows.
type SheetsConfig struct {
	SpreadsheetID string `env:"SHEETS_SPREADSHEET_ID"`
	// ClientRange and TargetingRange are the A1 ranges of the two sheets.
	ClientRange    string `env:"SHEETS_CLIENT_RANGE"    envDefault:"client"`
	TargetingRange string `env:"SHEETS_TARGETING_RANGE" envDefault:"targeting"`
}

// Sanitize normalises the sheet ranges.
func (c *SheetsConfig) Sanitize() {
	c.SpreadsheetID = strings.TrimSpace(c.SpreadsheetID)
	if c.ClientRange == "" {
		c.ClientRange = "client"
	}
	if c.TargetingRange == "" {
		c.TargetingRange = "targeting"
	}
}

// CalendarConfig locates the public holiday calendar.
type CalendarConfig struct {
	HolidayCalendarID string `env:"HOLIDAY_CALENDAR_ID" envDefault:"ja.japanese#holiday@group.v.calendar.google.com"`
}

// GitHubConfig holds the CI workflow-dispatch fallback settings.
type GitHubConfig struct {
	Owner        string `env:"OWNER"`
	Repo         string `env:"REPO"`
	Token        string `env:"TOKEN"`
	WorkflowFile string `env:"WORKFLOW_FILE" envDefault:"form-sender.yml"`
	Ref          string `env:"REF"           envDefault:"main"`
}

// GoogleConfig holds the Google Cloud surfaces: the signing service
// account, the artifact bucket, the task queue, and the dispatcher.
type GoogleConfig struct {
	// ServiceAccountJSON is the raw service-account key JSON.
	ServiceAccountJSON string `env:"GOOGLE_SERVICE_ACCOUNT_JSON"`
	// Bucket is the GCS bucket holding dispatch artifacts.
	Bucket string `env:"GCS_BUCKET"`
	// TaskQueuePath is projects/{p}/locations/{l}/queues/{q}.
	TaskQueuePath string `env:"TASK_QUEUE_PATH"`
	// DispatcherURL is the dispatcher service root.
	DispatcherURL string `env:"DISPATCHER_URL"`
	// DispatcherServiceAccount is the OIDC identity for enqueued tasks.
	DispatcherServiceAccount string `env:"DISPATCHER_SERVICE_ACCOUNT"`
}
