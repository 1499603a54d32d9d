package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := Wrapf(cause, ErrCodeNetwork, "enqueue task %d", 9)

	require.Error(t, err)
	assert.Equal(t, "enqueue task 9: boom", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsNetwork(err))
	assert.Equal(t, ErrCodeNetwork, GetCode(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeSystem, "ignored"))
}

func TestClientDataFieldCarriesField(t *testing.T) {
	err := ClientDataField("company_name", "client company_name is blank")
	assert.True(t, IsClientData(err))
	assert.Equal(t, "company_name", GetField(err))
}

func TestGetCodeClassifiesForeignErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"permission english", errors.New("403 Forbidden"), ErrCodePermission},
		{"permission japanese", errors.New("権限がありません"), ErrCodePermission},
		{"network timeout", errors.New("request timed out"), ErrCodeNetwork},
		{"connection reset", errors.New("read: connection reset by peer"), ErrCodeNetwork},
		{"json parse", errors.New("invalid character '<' looking for beginning of value"), ErrCodeJSONParse},
		{"github", errors.New("GitHub workflow_dispatch failed"), ErrCodeGitHubAPI},
		{"spreadsheet japanese", errors.New("スプレッドシートが見つかりません"), ErrCodeSpreadsheetConfig},
		{"default", errors.New("something odd"), ErrCodeSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetCode(tt.err))
		})
	}
}

func TestGetCodeNilAndAppError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetCode(nil))

	// AppError codes win over message content.
	err := TargetingConfigf("timeout while reading targeting")
	assert.Equal(t, ErrCodeTargetingConfig, GetCode(err))
}

func TestIsStatementTimeout(t *testing.T) {
	assert.True(t, IsStatementTimeout(StatementTimeout("canceling statement due to statement timeout")))
	assert.True(t, IsStatementTimeout(errors.New("ERROR: 57014 query cancelled")))
	assert.True(t, IsStatementTimeout(errors.New("Canceling Statement due to user request")))
	assert.True(t, IsStatementTimeout(fmt.Errorf("rpc: %w", &pgconn.PgError{Code: pgerrcode.QueryCanceled})))

	assert.False(t, IsStatementTimeout(nil))
	assert.False(t, IsStatementTimeout(errors.New("connection refused")))
	assert.False(t, IsStatementTimeout(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
}
