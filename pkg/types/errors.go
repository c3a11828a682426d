package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Callers branch on the kind, not the message.
type Kind string

const (
	KindChainUnavailable     Kind = "chain_unavailable"
	KindDecodeError          Kind = "decode_error"
	KindStateConflict        Kind = "state_conflict"
	KindCompositionAbandoned Kind = "composition_abandoned"
	KindSimulationFailed     Kind = "simulation_failed"
	KindSubmissionRejected   Kind = "submission_rejected"
	KindTimeout              Kind = "timeout"
	KindSubscriberSlow       Kind = "subscriber_slow"
	KindResourceExhausted    Kind = "resource_exhausted"
	KindPolicyBlocked        Kind = "policy_blocked"
)

// Abandonment reasons for KindCompositionAbandoned.
const (
	ReasonEmptyInput      = "EmptyInput"
	ReasonRetriesExceeded = "RetriesExceeded"
	ReasonDeadline        = "Deadline"
)

// Error is the service-wide failure value. Op names the operation that
// failed; Reason carries machine-readable detail (e.g. an abandonment
// reason); Err is the wrapped cause, if any.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Reason)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ER builds an Error with a machine-readable reason and no cause.
func ER(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// KindOf extracts the failure kind from an error chain. Unclassified errors
// report an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf extracts the machine-readable reason, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
