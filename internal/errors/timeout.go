package errors

import (
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// statementTimeoutError marks a stored-procedure call that was cancelled by
// the server's statement_timeout. The queue builder recovers from it locally
// by switching to chunked inserts, so it never reaches callers.
type statementTimeoutError struct {
	msg string
}

func (e *statementTimeoutError) Error() string { return e.msg }

// StatementTimeout creates a statement-timeout error with the given message.
func StatementTimeout(msg string) error {
	return &statementTimeoutError{msg: msg}
}

// statement-timeout textual signatures observed from PostgREST error bodies.
var statementTimeoutNeedles = []string{
	"57014",
	"statement timeout",
	"canceling statement",
}

// IsStatementTimeout reports whether err was caused by a statement timeout,
// either as a pgconn error carrying SQLSTATE 57014 or as a message matching
// the textual pattern (case-insensitive).
func IsStatementTimeout(err error) bool {
	if err == nil {
		return false
	}

	var ste *statementTimeoutError
	if errors.As(err, &ste) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.QueryCanceled {
		return true
	}

	return MessageIndicatesStatementTimeout(err.Error())
}

// MessageIndicatesStatementTimeout matches the statement-timeout vocabulary
// against a raw message, e.g. an HTTP 5xx body.
func MessageIndicatesStatementTimeout(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range statementTimeoutNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
