package escrow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidContractParameters rejects creation input: amount mismatch, empty milestones, duplicate id.
	ErrInvalidContractParameters = errors.New("escrow: invalid contract parameters")
	// ErrInvalidStateTransition is returned when the current state does not permit the operation.
	ErrInvalidStateTransition = errors.New("escrow: invalid state transition")
	// ErrSettlementFailed matches every *SettlementError.
	ErrSettlementFailed = errors.New("escrow: settlement failed")
	// ErrDisputeConflict signals a second open dispute on a milestone or a dispute blocking the operation.
	ErrDisputeConflict = errors.New("escrow: dispute conflict")
	// ErrDisputeAlreadyResolved is returned when resolving a dispute twice.
	ErrDisputeAlreadyResolved = fmt.Errorf("%w: dispute already resolved", ErrDisputeConflict)
	// ErrUnauthorized signals the actor's role or party does not permit the operation.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrNotFound is returned when no contract or dispute exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
)

// SettlementError reports a fund operation that neither backend applied. Local state is
// unchanged whenever it is returned.
type SettlementError struct {
	Op        string
	Retryable bool
	Primary   error
	Fallback  error
}

func (e *SettlementError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "escrow: settlement %s failed", e.Op)
	if e.Retryable {
		b.WriteString(" (retryable)")
	} else {
		b.WriteString(" (terminal)")
	}
	if e.Primary != nil {
		fmt.Fprintf(&b, ": primary: %v", e.Primary)
	}
	if e.Fallback != nil {
		fmt.Fprintf(&b, "; fallback: %v", e.Fallback)
	}
	return b.String()
}

func (e *SettlementError) Is(target error) bool {
	return target == ErrSettlementFailed
}

func (e *SettlementError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Primary != nil {
		out = append(out, e.Primary)
	}
	if e.Fallback != nil {
		out = append(out, e.Fallback)
	}
	return out
}

// IsRetryable reports whether err is a settlement failure the caller may safely retry.
func IsRetryable(err error) bool {
	var se *SettlementError
	return errors.As(err, &se) && se.Retryable
}

// Code is a stable machine-readable error code for transports.
type Code string

const (
	CodeUnknown                   Code = "UNKNOWN"
	CodeInvalidContractParameters Code = "INVALID_CONTRACT_PARAMETERS"
	CodeInvalidStateTransition    Code = "INVALID_STATE_TRANSITION"
	CodeSettlementRetryable       Code = "SETTLEMENT_FAILED_RETRYABLE"
	CodeSettlementTerminal        Code = "SETTLEMENT_FAILED_TERMINAL"
	CodeDisputeAlreadyResolved    Code = "DISPUTE_ALREADY_RESOLVED"
	CodeDisputeConflict           Code = "DISPUTE_CONFLICT"
	CodeUnauthorized              Code = "UNAUTHORIZED"
	CodeNotFound                  Code = "NOT_FOUND"
)

// CodeOf maps err onto the taxonomy.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidContractParameters):
		return CodeInvalidContractParameters
	case errors.Is(err, ErrInvalidStateTransition):
		return CodeInvalidStateTransition
	case errors.Is(err, ErrSettlementFailed):
		if IsRetryable(err) {
			return CodeSettlementRetryable
		}
		return CodeSettlementTerminal
	case errors.Is(err, ErrDisputeAlreadyResolved):
		return CodeDisputeAlreadyResolved
	case errors.Is(err, ErrDisputeConflict):
		return CodeDisputeConflict
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeUnknown
	}
}
