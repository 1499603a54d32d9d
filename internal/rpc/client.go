// Package rpc calls the remote database's stored procedures. Two transports
// implement the same contract: a PostgREST HTTP client and a direct
// Postgres client. The orchestrator never touches the work-queue tables
// directly; every mutation goes through a named procedure.
package rpc

import (
	"context"
	"encoding/json"
	"time"
)

// CallRequest describes one stored-procedure invocation.
type CallRequest struct {
	// Name is the stored-procedure name, e.g. "create_queue_for_targeting".
	Name string
	// Args are the procedure's named arguments.
	Args map[string]any
	// StatementTimeout is forwarded to the server where the transport
	// supports it (120 s for step RPCs, 180 s for the full-queue RPC).
	// Zero means the server default.
	StatementTimeout time.Duration
}

// ProcedureCaller executes stored procedures and returns the raw JSON result
// (which may be the literal null).
type ProcedureCaller interface {
	Call(ctx context.Context, req CallRequest) (json.RawMessage, error)
}
