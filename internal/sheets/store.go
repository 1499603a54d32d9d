// Package sheets reads the two linked configuration sheets ("client" and
// "targeting") that drive the orchestrator. Rows are keyed by normalized
// header names so column order in the spreadsheet never matters.
package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
)

// Scope is the OAuth scope needed to read the configuration spreadsheet.
const Scope = "https://www.googleapis.com/auth/spreadsheets.readonly"

const (
	defaultClientRange    = "client"
	defaultTargetingRange = "targeting"

	readTimeout = 25 * time.Second
)

// headerAliases maps spreadsheet header spellings to canonical field names.
var headerAliases = map[string]string{
	"extra":           "use_extra_table",
	"use extra table": "use_extra_table",
}

// Defaults are the property-driven fallbacks applied while joining rows.
type Defaults struct {
	SendEndTime     string
	SessionMaxHours float64
}

// Store reads targeting and client configuration from one spreadsheet.
type Store struct {
	spreadsheetID  string
	clientRange    string
	targetingRange string
	tokenSource    oauth2.TokenSource
	httpClient     *http.Client
	logger         *slog.Logger
	baseURL        string
	defaults       Defaults
}

// StoreOptions holds the settings for a Store.
type StoreOptions struct {
	SpreadsheetID string
	// ClientRange and TargetingRange are the A1 ranges of the two sheets.
	// They default to the sheet names "client" and "targeting".
	ClientRange    string
	TargetingRange string
	TokenSource    oauth2.TokenSource
	HTTPClient     *http.Client
	Logger         *slog.Logger
	// BaseURL overrides the Sheets API endpoint for tests.
	BaseURL  string
	Defaults Defaults
}

// NewStore creates a spreadsheet-backed config store.
func NewStore(opts StoreOptions) *Store {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: readTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://sheets.googleapis.com"
	}
	defaults := opts.Defaults
	if defaults.SendEndTime == "" {
		defaults.SendEndTime = model.DefaultSendEndTime
	}
	if defaults.SessionMaxHours <= 0 {
		defaults.SessionMaxHours = model.DefaultSessionMaxHours
	}
	clientRange := opts.ClientRange
	if clientRange == "" {
		clientRange = defaultClientRange
	}
	targetingRange := opts.TargetingRange
	if targetingRange == "" {
		targetingRange = defaultTargetingRange
	}
	return &Store{
		spreadsheetID:  opts.SpreadsheetID,
		clientRange:    clientRange,
		targetingRange: targetingRange,
		tokenSource:    opts.TokenSource,
		httpClient:     hc,
		logger:         logger,
		baseURL:        baseURL,
		defaults:       defaults,
	}
}

// row is one sheet row keyed by normalized header.
type row map[string]string

func (r row) get(key string) string { return strings.TrimSpace(r[key]) }

func (r row) getInt(key string) (int, bool) {
	v := r.get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Sheets sometimes serializes integers as "3.0".
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, false
		}
		n = int(f)
	}
	return n, true
}

func (r row) getFloat(key string) (float64, bool) {
	v := r.get(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// isActive applies the strict active-cell vocabulary.
func isActive(v string) bool {
	switch strings.TrimSpace(v) {
	case "true", "TRUE", "1":
		return true
	}
	return false
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if canonical, ok := headerAliases[h]; ok {
		return canonical
	}
	return h
}

// fetchSheets loads both sheets in one batchGet call.
func (s *Store) fetchSheets(ctx context.Context) (clients, targetings []row, err error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values:batchGet?ranges=%s&ranges=%s",
		s.baseURL, url.PathEscape(s.spreadsheetID),
		url.QueryEscape(s.clientRange), url.QueryEscape(s.targetingRange))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeSystem, "build sheets request")
	}
	token, err := s.tokenSource.Token()
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodePermission, "fetch sheets access token")
	}
	token.SetAuthHeader(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeNetwork, "read config spreadsheet")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeNetwork, "read sheets response")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, nil, apperrors.Newf(apperrors.ErrCodePermission,
			"sheets read failed with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, apperrors.SpreadsheetConfigf(
			"sheets read failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		ValueRanges []struct {
			Range  string     `json:"range"`
			Values [][]string `json:"values"`
		} `json:"valueRanges"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "decode sheets response")
	}
	if len(decoded.ValueRanges) != 2 {
		return nil, nil, apperrors.SpreadsheetConfigf(
			"expected 2 value ranges, got %d", len(decoded.ValueRanges))
	}

	clients = toRows(decoded.ValueRanges[0].Values)
	targetings = toRows(decoded.ValueRanges[1].Values)
	return clients, targetings, nil
}

// toRows converts a header row plus data rows into keyed rows. Short rows
// are padded; extra cells beyond the header are dropped.
func toRows(values [][]string) []row {
	if len(values) < 2 {
		return nil
	}
	headers := make([]string, len(values[0]))
	for i, h := range values[0] {
		headers[i] = normalizeHeader(h)
	}

	rows := make([]row, 0, len(values)-1)
	for _, cells := range values[1:] {
		r := make(row, len(headers))
		for i, h := range headers {
			if h == "" {
				continue
			}
			if i < len(cells) {
				r[h] = cells[i]
			}
		}
		rows = append(rows, r)
	}
	return rows
}

// ListActiveTargetings returns the summary of every active targeting row.
func (s *Store) ListActiveTargetings(ctx context.Context) ([]model.ActiveTargeting, error) {
	_, targetings, err := s.fetchSheets(ctx)
	if err != nil {
		return nil, err
	}

	var active []model.ActiveTargeting
	for _, r := range targetings {
		if !isActive(r.get("active")) {
			continue
		}
		id, ok := r.getInt("targeting_id")
		if !ok || id < 1 {
			s.logger.WarnContext(ctx, "skipping targeting row with invalid id",
				slog.String("raw", r.get("targeting_id")))
			continue
		}
		clientID, _ := r.getInt("client_id")
		concurrent, ok := r.getInt("concurrent_workflow")
		if !ok || concurrent < 1 {
			concurrent = model.DefaultConcurrentWorkflow
		}
		active = append(active, model.ActiveTargeting{
			TargetingID:        id,
			ClientID:           clientID,
			Description:        r.get("description"),
			ConcurrentWorkflow: concurrent,
			UseExtraTable:      model.ParseBool(r.get("use_extra_table")),
		})
	}
	return active, nil
}

// GetTargetingConfig joins one targeting row with its client row and
// validates the result. A missing targeting ID returns (nil, nil).
func (s *Store) GetTargetingConfig(ctx context.Context, targetingID int) (*model.TargetingConfig, error) {
	clients, targetings, err := s.fetchSheets(ctx)
	if err != nil {
		return nil, err
	}

	var targeting row
	for _, r := range targetings {
		if id, ok := r.getInt("targeting_id"); ok && id == targetingID {
			targeting = r
			break
		}
	}
	if targeting == nil {
		return nil, nil
	}

	clientID, ok := targeting.getInt("client_id")
	if !ok || clientID < 1 {
		return nil, apperrors.TargetingConfigf("targeting %d has no client_id", targetingID)
	}

	var client row
	for _, r := range clients {
		if id, ok := r.getInt("client_id"); ok && id == clientID {
			client = r
			break
		}
	}
	if client == nil {
		return nil, apperrors.ClientDataf("client %d referenced by targeting %d not found", clientID, targetingID)
	}

	cfg, err := s.buildConfig(targetingID, clientID, targeting, client)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// five targeting cells that must be present for a dispatch to make sense.
var requiredTargetingFields = []string{
	"client_id", "subject", "message", "max_daily_sends", "send_start_time",
}

func (s *Store) buildConfig(targetingID, clientID int, targeting, client row) (*model.TargetingConfig, error) {
	for _, field := range requiredTargetingFields {
		if targeting.get(field) == "" {
			return nil, &apperrors.AppError{
				Code:    apperrors.ErrCodeTargetingConfig,
				Message: fmt.Sprintf("targeting %d is missing %s", targetingID, field),
				Field:   field,
			}
		}
	}

	profile := model.ClientProfile{
		CompanyName:       client.get("company_name"),
		Name:              client.get("name"),
		LastName:          client.get("last_name"),
		FirstName:         client.get("first_name"),
		LastNameKana:      client.get("last_name_kana"),
		FirstNameKana:     client.get("first_name_kana"),
		LastNameHiragana:  client.get("last_name_hiragana"),
		FirstNameHiragana: client.get("first_name_hiragana"),
		Position:          client.get("position"),
		Gender:            client.get("gender"),
		EmailLocal:        client.get("email_1"),
		EmailDomain:       client.get("email_2"),
		Phone1:            client.get("phone_1"),
		Phone2:            client.get("phone_2"),
		Phone3:            client.get("phone_3"),
		PostalCode1:       client.get("postal_code_1"),
		PostalCode2:       client.get("postal_code_2"),
		Address1:          client.get("address_1"),
		Address2:          client.get("address_2"),
		Address3:          client.get("address_3"),
		Address4:          client.get("address_4"),
		Department:        client.get("department"),
		WebsiteURL:        client.get("website_url"),
		Address5:          client.get("address_5"),
	}
	if missing := profile.MissingRequiredFields(); len(missing) > 0 {
		return nil, &apperrors.AppError{
			Code:    apperrors.ErrCodeClientData,
			Message: fmt.Sprintf("client %d is missing required fields: %s", clientID, strings.Join(missing, ", ")),
			Field:   missing[0],
		}
	}

	maxDaily, ok := targeting.getInt("max_daily_sends")
	if !ok || maxDaily < 1 {
		return nil, apperrors.TargetingConfigf("targeting %d has invalid max_daily_sends", targetingID)
	}
	if maxDaily > model.MaxDailySends {
		maxDaily = model.MaxDailySends
	}

	startTime := targeting.get("send_start_time")
	if _, err := model.ParseTimeOfDay(startTime); err != nil {
		return nil, apperrors.TargetingConfigf("targeting %d has invalid send_start_time %q", targetingID, startTime)
	}
	endTime := targeting.get("send_end_time")
	if endTime == "" {
		endTime = s.defaults.SendEndTime
	}
	if _, err := model.ParseTimeOfDay(endTime); err != nil {
		return nil, apperrors.TargetingConfigf("targeting %d has invalid send_end_time %q", targetingID, endTime)
	}

	concurrent, ok := targeting.getInt("concurrent_workflow")
	if !ok || concurrent < 1 {
		concurrent = model.DefaultConcurrentWorkflow
	}
	sessionHours, ok := targeting.getFloat("session_max_hours")
	if !ok || sessionHours <= 0 {
		sessionHours = s.defaults.SessionMaxHours
	}

	cfg := &model.TargetingConfig{
		TargetingID:        targetingID,
		ClientID:           clientID,
		Active:             isActive(targeting.get("active")),
		Description:        targeting.get("description"),
		Client:             profile,
		Subject:            model.UnescapeMessage(targeting.get("subject")),
		Message:            model.UnescapeMessage(targeting.get("message")),
		TargetingSQL:       targeting.get("targeting_sql"),
		NGCompanies:        model.SplitNGCompanies(targeting.get("ng_companies")),
		MaxDailySends:      maxDaily,
		SendStartTime:      startTime,
		SendEndTime:        endTime,
		SendDaysOfWeek:     model.ParseSendDaysOfWeek(targeting.get("send_days_of_week")),
		ConcurrentWorkflow: concurrent,
		SessionMaxHours:    sessionHours,
		UseExtraTable:      model.ParseTriState(targeting.get("use_extra_table")),
		UseServerless:      model.ParseTriState(targeting.get("use_serverless")),
		UseGCPBatch:        model.ParseTriState(targeting.get("use_gcp_batch")),
		Batch:              parseBatchOptions(targeting),
	}
	return cfg, nil
}

func parseBatchOptions(r row) model.BatchOptions {
	var b model.BatchOptions
	if v, ok := r.getInt("batch_instance_count"); ok {
		b.InstanceCount = v
	}
	if v, ok := r.getInt("batch_workers_per_workflow"); ok {
		b.WorkersPerWorkflow = v
	}
	if v, ok := r.getInt("batch_vcpu_per_worker"); ok {
		b.VCPUPerWorker = v
	}
	if v, ok := r.getInt("batch_memory_per_worker_mb"); ok {
		b.MemoryPerWorkerMB = v
	}
	if v, ok := r.getInt("batch_memory_buffer_mb"); ok {
		b.MemoryBufferMB = v
	}
	if v := r.get("batch_machine_type"); v != "" {
		b.MachineType = v
	}
	if v, ok := r.getInt("batch_max_parallelism"); ok {
		b.MaxParallelism = v
	}
	if v, ok := r.getInt("batch_max_attempts"); ok {
		b.MaxAttempts = v
	}
	return b
}
