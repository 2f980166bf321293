package node

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gateway-fm/loadtest/internal/rpc"
)

// RejectKind classifies a synchronous refusal.
type RejectKind uint8

const (
	RejectOther RejectKind = iota
	RejectNonceTooLow
	RejectNonceTooHigh
	RejectInsufficientFunds
	RejectUnderpriced
	RejectMalformed
)

func (k RejectKind) String() string {
	switch k {
	case RejectNonceTooLow:
		return "nonce_too_low"
	case RejectNonceTooHigh:
		return "nonce_too_high"
	case RejectInsufficientFunds:
		return "insufficient_funds"
	case RejectUnderpriced:
		return "underpriced"
	case RejectMalformed:
		return "malformed"
	}
	return "other"
}

// RejectionError is returned when the node refuses a transaction outright.
type RejectionError struct {
	Kind   RejectKind
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transaction rejected (%s): %s", e.Kind, e.Reason)
}

// StaleNonce reports whether the rejection means the local nonce view is wrong.
func (e *RejectionError) StaleNonce() bool {
	return e.Kind == RejectNonceTooLow || e.Kind == RejectNonceTooHigh
}

// TransientError wraps a connectivity or overload failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient node error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AsRejection extracts a *RejectionError from err.
func AsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	ok := errors.As(err, &re)
	return re, ok
}

// errAlreadyKnown marks a resubmission of a transaction the node already holds.
var errAlreadyKnown = errors.New("already known")

var rejectPatterns = []struct {
	substr string
	kind   RejectKind
}{
	{"nonce too low", RejectNonceTooLow},
	{"nonce too high", RejectNonceTooHigh},
	{"insufficient funds", RejectInsufficientFunds},
	{"underpriced", RejectUnderpriced},
	{"fee cap less than block base fee", RejectUnderpriced},
	{"max fee per gas less than block base fee", RejectUnderpriced},
	{"rlp", RejectMalformed},
	{"invalid sender", RejectMalformed},
	{"invalid transaction", RejectMalformed},
	{"intrinsic gas too low", RejectMalformed},
}

var transientPatterns = []string{
	"txpool is full",
	"limit exceeded",
	"too many requests",
	"try again",
}

// classify maps a raw rpc error onto the harness error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return &TransientError{Err: err}
	}

	msg := strings.ToLower(rpcErr.Message)
	if strings.Contains(msg, "already known") || strings.Contains(msg, "already imported") {
		return errAlreadyKnown
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return &TransientError{Err: err}
		}
	}
	for _, p := range rejectPatterns {
		if strings.Contains(msg, p.substr) {
			return &RejectionError{Kind: p.kind, Reason: rpcErr.Message}
		}
	}
	return &RejectionError{Kind: RejectOther, Reason: rpcErr.Message}
}
