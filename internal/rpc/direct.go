package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/retry"
)

// DirectClient calls stored procedures over a direct Postgres connection,
// bypassing PostgREST. The statement timeout is applied per transaction with
// SET LOCAL, and cancelled statements map to the same timeout vocabulary the
// HTTP transport produces.
type DirectClient struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// DirectClientOptions holds the settings for a DirectClient.
type DirectClientOptions struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// NewDirectClient creates a procedure caller backed by a pgx pool.
func NewDirectClient(opts DirectClientOptions) *DirectClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectClient{pool: opts.Pool, logger: logger}
}

// Call invokes the named procedure with named-notation arguments and returns
// the result aggregated as JSON. Single-row results are unwrapped from the
// aggregate array so callers see the same shape PostgREST returns.
func (c *DirectClient) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	var result json.RawMessage
	policy := retry.Policy{
		Attempts:    timeoutRetryAttempts,
		BaseBackoff: timeoutRetryBackoff,
		Retryable:   isRetryableTimeout,
	}
	err := policy.Do(ctx, func() error {
		var callErr error
		result, callErr = c.callOnce(ctx, req)
		if callErr != nil && apperrors.IsStatementTimeout(callErr) {
			c.logger.WarnContext(ctx, "rpc statement timeout, retrying",
				slog.String("procedure", req.Name))
		}
		return callErr
	})
	return result, err
}

func (c *DirectClient) callOnce(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	query, params, err := buildCallQuery(req.Name, req.Args)
	if err != nil {
		return nil, err
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "begin tx for rpc %s", req.Name)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if req.StatementTimeout > 0 {
		set := fmt.Sprintf("SET LOCAL statement_timeout = %d", req.StatementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, set); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeSystem, "set statement timeout for rpc %s", req.Name)
		}
	}

	var raw string
	if err := tx.QueryRow(ctx, query, params...).Scan(&raw); err != nil {
		if apperrors.IsStatementTimeout(err) {
			return nil, apperrors.StatementTimeout(
				fmt.Sprintf("rpc %s: statement timeout: %v", req.Name, err))
		}
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeSystem, "execute rpc %s", req.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeSystem, "commit rpc %s", req.Name)
	}

	return unwrapAggregate(req.Name, json.RawMessage(raw))
}

// validProcName limits procedure names to schema-safe identifiers since the
// name is interpolated into the query text.
func validProcName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// buildCallQuery renders the aggregate-to-JSON wrapper with named-notation
// arguments bound positionally. Args are ordered by key for determinism.
func buildCallQuery(name string, args map[string]any) (string, []any, error) {
	if !validProcName(name) {
		return "", nil, apperrors.Newf(apperrors.ErrCodeSystem, "invalid procedure name %q", name)
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		if !validProcName(k) {
			return "", nil, apperrors.Newf(apperrors.ErrCodeSystem, "invalid argument name %q for %s", k, name)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	params := make([]any, 0, len(keys))
	for i, k := range keys {
		// Quoted so reserved words like "limit" stay valid argument names.
		parts = append(parts, fmt.Sprintf("%q => $%d", k, i+1))
		params = append(params, args[k])
	}

	query := fmt.Sprintf(
		"SELECT coalesce(jsonb_agg(r), 'null'::jsonb)::text FROM %s(%s) AS r",
		name, strings.Join(parts, ", "))
	return query, params, nil
}

// unwrapAggregate flattens jsonb_agg output: null stays null, a one-element
// array becomes its element, anything else is returned as-is.
func unwrapAggregate(name string, raw json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, apperrors.Newf(apperrors.ErrCodeJSONParse, "rpc %s returned invalid JSON", name)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return raw, nil
	}
	if len(arr) == 1 {
		return arr[0], nil
	}
	return raw, nil
}
