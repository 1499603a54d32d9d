package errors

import "strings"

// classifyRule maps a set of case-insensitive substrings to an ErrorCode.
// Rules are evaluated in order; the first match wins. Both English and
// Japanese vocabularies are covered because upstream services return
// messages in either language.
type classifyRule struct {
	code  ErrorCode
	needs []string
}

var classifyRules = []classifyRule{
	{ErrCodeSpreadsheetConfig, []string{
		"spreadsheet", "sheet not found", "シート", "スプレッドシート",
	}},
	{ErrCodeGitHubAPI, []string{
		"github", "workflow_dispatch", "workflow dispatch",
	}},
	{ErrCodeTargetingConfig, []string{
		"targeting config", "targeting_id", "ターゲティング設定",
	}},
	{ErrCodeClientData, []string{
		"client data", "client field", "company_name", "クライアント", "会社名",
	}},
	{ErrCodeJSONParse, []string{
		"json", "unexpected token", "invalid character",
	}},
	{ErrCodeBusinessHours, []string{
		"business hours", "outside send window", "営業時間", "送信時間外",
	}},
	{ErrCodePermission, []string{
		"permission", "unauthorized", "forbidden", "401", "403", "権限",
	}},
	{ErrCodeNetwork, []string{
		"network", "timeout", "timed out", "connection refused", "connection reset",
		"no such host", "eof", "unavailable", "接続",
	}},
}

// Classify maps a foreign error to the taxonomy by case-insensitive
// substring match. Errors that match nothing fall back to SYSTEM_ERROR.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a raw message string.
func ClassifyMessage(msg string) ErrorCode {
	lower := strings.ToLower(msg)
	for _, rule := range classifyRules {
		for _, needle := range rule.needs {
			if strings.Contains(lower, strings.ToLower(needle)) {
				return rule.code
			}
		}
	}
	return ErrCodeSystem
}
