// Package errs defines the error taxonomy the consensus core uses at its
// boundary: malformed input is distinguished from runtime execution failure,
// which is distinguished from protocol-level consensus malformation. See
// spec.md section 7.
package errs

import (
	"errors"
	"fmt"
)

// Class identifies which of the four taxonomy buckets an error belongs to.
type Class uint8

const (
	// Syntax errors are malformed input: bad signature, bad header arity,
	// invalid network id, fee below the per-action floor. Rejected at
	// admission; the transaction never enters a queue.
	Syntax Class = iota
	// History errors are admission-time rejections based on what the pool
	// has already seen: already-imported, too-cheap-to-replace, old seq,
	// pool-full.
	History
	// Runtime errors are execution failures: insufficient balance,
	// insufficient permission, failed-to-handle custom action, mismatch.
	// In block execution these are surfaced (the transaction fails but the
	// block stands and the fee is charged); in the mempool they cause
	// rejection.
	Runtime
	// Engine errors are consensus-layer malformation: bad seal field size,
	// not-proposer, block-not-authorized, future-message, double-vote,
	// invalid-signature, validator-not-exist.
	Engine
)

func (c Class) String() string {
	switch c {
	case Syntax:
		return "syntax"
	case History:
		return "history"
	case Runtime:
		return "runtime"
	case Engine:
		return "engine"
	default:
		return "unknown"
	}
}

// Error wraps a reason with its taxonomy class so callers can branch on
// errors.As without string matching.
type Error struct {
	Class  Class
	Reason error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Reason)
}

func (e *Error) Unwrap() error { return e.Reason }

func wrap(c Class, reason error) error {
	return &Error{Class: c, Reason: reason}
}

func wrapf(c Class, format string, args ...any) error {
	return wrap(c, fmt.Errorf(format, args...))
}

// Sentinel reasons referenced directly by callers (errors.Is).
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrFailedToHandle        = errors.New("failed to handle custom action")
	ErrAlreadyBanned         = errors.New("account is already banned")
	ErrInCustody             = errors.New("account is still in custody")
	ErrNotCandidate          = errors.New("delegatee is not an active candidate")
	ErrAlreadyImported       = errors.New("transaction already imported")
	ErrTooCheapToReplace     = errors.New("too cheap to replace")
	ErrOldSequence           = errors.New("sequence already used")
	ErrPoolFull              = errors.New("pool is full")
	ErrFeeTooLow             = errors.New("fee below minimum for action")
	ErrDoubleVote            = errors.New("double vote detected")
	ErrNotProposer           = errors.New("signer is not the proposer for this round")
	ErrBlockNotAuthorized    = errors.New("block not authorized by validator set")
	ErrFutureMessage         = errors.New("message refers to a future round")
	ErrInvalidSignature      = errors.New("invalid message signature")
	ErrValidatorNotExist     = errors.New("validator does not exist")
	ErrBadSealFieldSize      = errors.New("seal field size mismatch")
	ErrInsufficientQuorum    = errors.New("insufficient quorum weight")
	ErrAddressKeyMismatch    = errors.New("address does not match public key")
	ErrInvalidSeq            = errors.New("transaction seq does not match account seq")
)

func NewSyntax(reason error) error  { return wrap(Syntax, reason) }
func NewHistory(reason error) error { return wrap(History, reason) }
func NewRuntime(reason error) error { return wrap(Runtime, reason) }
func NewEngine(reason error) error  { return wrap(Engine, reason) }

func Syntaxf(format string, args ...any) error  { return wrapf(Syntax, format, args...) }
func Historyf(format string, args ...any) error { return wrapf(History, format, args...) }
func Runtimef(format string, args ...any) error { return wrapf(Runtime, format, args...) }
func Enginef(format string, args ...any) error  { return wrapf(Engine, format, args...) }

// Is reports whether err carries the given taxonomy class.
func Is(err error, c Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == c
	}
	return false
}
