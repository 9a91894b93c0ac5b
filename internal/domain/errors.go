package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindInvalidSpec        ErrorKind = "InvalidSpec"
	KindBudgetExhausted    ErrorKind = "BudgetExhausted"
	KindRebaseConflict     ErrorKind = "RebaseConflict"
	KindMergeRejected      ErrorKind = "MergeRejected"
	KindExecutionFailure   ErrorKind = "ExecutionFailure"
	KindSandboxViolation   ErrorKind = "SandboxViolation"
	KindConvergenceTimeout ErrorKind = "ConvergenceTimeout"
	KindLedgerConsistency  ErrorKind = "LedgerConsistencyViolation"
	KindTrustInsufficient  ErrorKind = "TrustInsufficient"
	KindInvalidTransition  ErrorKind = "InvalidTransition"
	KindNotFound           ErrorKind = "NotFound"
)

// Error is the typed failure returned by every rejected operation. Seq is the ledger
// sequence of the event that recorded the rejection, or 0 when nothing was written.
type Error struct {
	Kind     ErrorKind
	Seq      int64
	IntentID string
	Msg      string
	Paths    []string
}

func (e Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.IntentID != "" {
		fmt.Fprintf(&b, " [%s]", e.IntentID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Paths) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Paths, ", "))
	}
	if e.Seq > 0 {
		fmt.Fprintf(&b, " (seq %d)", e.Seq)
	}
	return b.String()
}

// Is matches on kind so callers can write errors.Is(err, domain.ErrBudgetExhausted).
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidSpec        = Error{Kind: KindInvalidSpec}
	ErrBudgetExhausted    = Error{Kind: KindBudgetExhausted}
	ErrRebaseConflict     = Error{Kind: KindRebaseConflict}
	ErrMergeRejected      = Error{Kind: KindMergeRejected}
	ErrExecutionFailure   = Error{Kind: KindExecutionFailure}
	ErrSandboxViolation   = Error{Kind: KindSandboxViolation}
	ErrLedgerConsistency  = Error{Kind: KindLedgerConsistency}
	ErrTrustInsufficient  = Error{Kind: KindTrustInsufficient}
	ErrInvalidTransition  = Error{Kind: KindInvalidTransition}
	ErrNotFound           = Error{Kind: KindNotFound}
	ErrConvergenceTimeout = Error{Kind: KindConvergenceTimeout}
)

func Errorf(kind ErrorKind, format string, args ...any) Error {
	return Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first domain Error in err's chain.
func KindOf(err error) ErrorKind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SeqOf returns the recording ledger seq of a domain error, if any.
func SeqOf(err error) int64 {
	var e Error
	if errors.As(err, &e) {
		return e.Seq
	}
	return 0
}

// WithSeq attaches the recording seq to a domain error. Other errors pass through.
func WithSeq(err error, seq int64) error {
	var e Error
	if errors.As(err, &e) {
		e.Seq = seq
		return e
	}
	return err
}
