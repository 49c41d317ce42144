package protocol

import "fmt"

// ErrorKind is the closed set of machine-readable error kinds that may
// cross the tool surface or the sync wire. Values are stable.
type ErrorKind string

const (
	// Input errors — surfaced to the caller, never retried automatically.
	KindInvalidParameters ErrorKind = "invalid_parameters"
	KindInvalidCategory   ErrorKind = "invalid_category"
	KindVersionConflict   ErrorKind = "version_conflict"
	KindUnmetDependency   ErrorKind = "unmet_dependency"
	KindRuleViolation     ErrorKind = "rule_violation"
	KindRuleConflict      ErrorKind = "rule_conflict"
	KindNotFound          ErrorKind = "not_found"

	// Authorization errors — surfaced and audited.
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"

	// Resource errors — surfaced, emit an incidents memory.
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindInboxOverflow  ErrorKind = "inbox_overflow"
	KindRecordTooLarge ErrorKind = "record_too_large"

	// Transient errors — retried locally with backoff, surfaced as
	// timeout once the operation deadline expires.
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindPeerUnreachable    ErrorKind = "peer_unreachable"
	KindEmbeddingFailed    ErrorKind = "embedding_failed"
	KindTimeout            ErrorKind = "timeout"

	// Transport errors — terminate the current call.
	KindSessionExpired ErrorKind = "session_expired"
	KindCallTimeout    ErrorKind = "call_timeout"
	KindCancelled      ErrorKind = "cancelled"

	// Fatal errors — the process logs, emits a security memory, and exits.
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindCorruptedStorage   ErrorKind = "corrupted_storage"

	// Peer errors never propagate as raw errors across machines; they
	// become sync_error records on the wire.
	KindSyncError ErrorKind = "sync_error"
)

// Error is the structured error returned by every tool and sync frame.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Retriable bool      `json:"retriable"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Errf builds a non-retriable Error with a formatted detail.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Retriable: retriable(kind)}
}

// retriable reports whether callers are expected to retry with backoff.
func retriable(kind ErrorKind) bool {
	switch kind {
	case KindStorageUnavailable, KindPeerUnreachable, KindEmbeddingFailed, KindTimeout:
		return true
	}
	return false
}

// Fatal reports whether the kind must terminate the process.
func (e *Error) Fatal() bool {
	return e.Kind == KindInvariantViolation || e.Kind == KindCorruptedStorage
}

// AsError converts any error into a protocol Error, preserving an
// existing *Error and wrapping everything else as an internal timeout
// or storage failure depending on ctx state handled by callers.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Kind: KindStorageUnavailable, Detail: err.Error(), Retriable: true}
}
