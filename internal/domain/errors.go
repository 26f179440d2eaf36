package domain

import "fmt"

// ValidationError covers missing or malformed request fields. Always
// recoverable by the caller.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// NotFoundError marks an unknown job, topic or message.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError marks an operation racing a concurrent state change, such as
// accepting a job that is no longer open.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// UnsupportedNetworkError marks a payment requirement naming a network with
// no configured signer. Fatal for the request, never for the process.
type UnsupportedNetworkError struct {
	Network string
}

func (e UnsupportedNetworkError) Error() string {
	return fmt.Sprintf("no signer configured for network %q", e.Network)
}

// AuthorizationError marks a feedback authorization that is malformed,
// expired, or whose index has already been consumed.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string {
	return "feedback authorization rejected: " + e.Reason
}

// SettlementError marks a payment transfer that failed after dispatch. It is
// surfaced, never silently retried: the transfer may have landed.
type SettlementError struct {
	Reason string
	Err    error
}

func (e SettlementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settlement failed: %s: %v", e.Reason, e.Err)
	}
	return "settlement failed: " + e.Reason
}

func (e SettlementError) Unwrap() error { return e.Err }

// TransientStoreError marks a collaborator I/O hiccup. Reads are safe to
// retry with backoff; writes only under conditional semantics.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e TransientStoreError) Error() string {
	return fmt.Sprintf("transient store failure during %s: %v", e.Op, e.Err)
}

func (e TransientStoreError) Unwrap() error { return e.Err }
