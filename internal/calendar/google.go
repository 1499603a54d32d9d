package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
)

// GoogleProvider queries a public holiday calendar (e.g. the Japanese
// holidays calendar) through the Calendar v3 events endpoint.
type GoogleProvider struct {
	calendarID string
	baseURL    string
	tokens     oauth2.TokenSource
	http       *http.Client
}

// GoogleProviderOptions holds the dependencies for creating a GoogleProvider.
type GoogleProviderOptions struct {
	CalendarID  string
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	// BaseURL overrides the Google API endpoint, for tests.
	BaseURL string
}

// NewGoogleProvider creates a holiday provider backed by Google Calendar.
func NewGoogleProvider(opts GoogleProviderOptions) *GoogleProvider {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://www.googleapis.com/calendar/v3"
	}
	return &GoogleProvider{
		calendarID: opts.CalendarID,
		baseURL:    base,
		tokens:     opts.TokenSource,
		http:       hc,
	}
}

// IsHoliday reports whether any all-day event exists on the JST date.
func (p *GoogleProvider) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	dayStart := date.In(clock.JST)
	dayStart = time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day(), 0, 0, 0, 0, clock.JST)
	dayEnd := dayStart.AddDate(0, 0, 1)

	q := url.Values{}
	q.Set("timeMin", dayStart.Format(time.RFC3339))
	q.Set("timeMax", dayEnd.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("maxResults", "1")

	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		p.baseURL, url.PathEscape(p.calendarID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build holiday request: %w", err)
	}
	if p.tokens != nil {
		token, tokenErr := p.tokens.Token()
		if tokenErr != nil {
			return false, apperrors.Wrap(tokenErr, apperrors.ErrCodePermission, "holiday calendar token")
		}
		token.SetAuthHeader(req)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeNetwork, "holiday calendar request")
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read holiday response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, apperrors.Newf(apperrors.ErrCodeNetwork,
			"holiday calendar returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "decode holiday response")
	}
	return len(payload.Items) > 0, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
