// Package errors provides the unified error taxonomy for the replication
// control plane: every fallible operation returns either nil or a
// *RucioError carrying one of the Kind values below.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry policy.
type Kind string

const (
	KindInput            Kind = "input"
	KindPermissionQuota  Kind = "permission_quota"
	KindNotFound         Kind = "not_found"
	KindDuplicate        Kind = "duplicate"
	KindUnsupportedState Kind = "unsupported_state"
	KindTransientDB      Kind = "transient_db"
	KindExternalTool     Kind = "external_tool"
	KindInternal         Kind = "internal"
)

// RucioError is the concrete error type every package in this module returns.
type RucioError struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *RucioError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

func (e *RucioError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair used for structured logging.
func (e *RucioError) WithDetail(key string, value any) *RucioError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newErr(kind Kind, code, message string) *RucioError {
	return &RucioError{Kind: kind, Code: code, Message: message}
}

func wrapErr(kind Kind, code, message string, err error) *RucioError {
	return &RucioError{Kind: kind, Code: code, Message: message, Err: err}
}

// Input errors (§7: Input) — surfaced to the caller, never retried.

func InvalidObject(reason string) *RucioError {
	return newErr(KindInput, "INVALID_OBJECT", "invalid object").WithDetail("reason", reason)
}

func InvalidRSEExpression(expr string, reason string) *RucioError {
	return newErr(KindInput, "INVALID_RSE_EXPRESSION", "invalid RSE expression").
		WithDetail("expression", expr).WithDetail("reason", reason)
}

func InvalidReplicationRule(reason string) *RucioError {
	return newErr(KindInput, "INVALID_REPLICATION_RULE", "invalid replication rule").WithDetail("reason", reason)
}

// Permission/quota errors.

func AccessDenied(reason string) *RucioError {
	return newErr(KindPermissionQuota, "ACCESS_DENIED", "access denied").WithDetail("reason", reason)
}

func InsufficientAccountLimit(account, rseID string) *RucioError {
	return newErr(KindPermissionQuota, "INSUFFICIENT_ACCOUNT_LIMIT", "insufficient account limit").
		WithDetail("account", account).WithDetail("rse_id", rseID)
}

// Not-found errors.

func DataIdentifierNotFound(scope, name string) *RucioError {
	return newErr(KindNotFound, "DID_NOT_FOUND", "data identifier not found").
		WithDetail("scope", scope).WithDetail("name", name)
}

func RSENotFound(rse string) *RucioError {
	return newErr(KindNotFound, "RSE_NOT_FOUND", "RSE not found").WithDetail("rse", rse)
}

func RuleNotFound(ruleID string) *RucioError {
	return newErr(KindNotFound, "RULE_NOT_FOUND", "rule not found").WithDetail("rule_id", ruleID)
}

func ReplicaNotFound(scope, name, rseID string) *RucioError {
	return newErr(KindNotFound, "REPLICA_NOT_FOUND", "replica not found").
		WithDetail("scope", scope).WithDetail("name", name).WithDetail("rse_id", rseID)
}

func RequestNotFound(requestID string) *RucioError {
	return newErr(KindNotFound, "REQUEST_NOT_FOUND", "request not found").WithDetail("request_id", requestID)
}

// Duplicate errors.

func Duplicate(resource, id string) *RucioError {
	return newErr(KindDuplicate, "DUPLICATE", "already exists").
		WithDetail("resource", resource).WithDetail("id", id)
}

func DuplicateRule(account, expression string) *RucioError {
	return newErr(KindDuplicate, "DUPLICATE_RULE", "duplicate replication rule").
		WithDetail("account", account).WithDetail("expression", expression)
}

// Unsupported-state errors.

func UnsupportedOperation(op string) *RucioError {
	return newErr(KindUnsupportedState, "UNSUPPORTED_OPERATION", "unsupported operation").WithDetail("operation", op)
}

func UnsupportedStatus(op, state string) *RucioError {
	return newErr(KindUnsupportedState, "UNSUPPORTED_STATUS", "unsupported status for operation").
		WithDetail("operation", op).WithDetail("state", state)
}

// Transient errors — retried by pkg/retry and deferred by daemon loops.

func Transient(op string, err error) *RucioError {
	return wrapErr(KindTransientDB, "TRANSIENT", "transient contention, retry", err).WithDetail("operation", op)
}

// LockContention is the Go analogue of the ORA-00054 / MySQL-1205 class:
// a nowait row-lock acquisition that found the row already held.
func LockContention(resource string) *RucioError {
	return newErr(KindTransientDB, "LOCK_CONTENTION", "row lock held, nowait acquisition failed").
		WithDetail("resource", resource)
}

// External-tool errors.

func ExternalTool(tool string, err error) *RucioError {
	return wrapErr(KindExternalTool, "EXTERNAL_TOOL", "external tool call failed", err).WithDetail("tool", tool)
}

// Internal errors — logged with full context, unit skipped, daemon continues.

func Internal(op string, err error) *RucioError {
	return wrapErr(KindInternal, "INTERNAL", "internal error", err).WithDetail("operation", op)
}

// Helper predicates, modeled on errors.As-based extraction.

// As extracts a *RucioError from err's chain, if present.
func As(err error) (*RucioError, bool) {
	var rerr *RucioError
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal if err is not a *RucioError.
func KindOf(err error) Kind {
	if rerr, ok := As(err); ok {
		return rerr.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should be retried by pkg/retry or deferred
// to the next daemon tick rather than surfaced or marked STUCK.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientDB
}

// Is reports whether err (or any error in its chain) has the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
