package round

import (
	"fmt"

	"github.com/stakeforge/bftchain/errs"
)

// Re-exported sentinels so callers can errors.Is against this package
// without importing errs directly for the common cases.
var (
	ErrValidatorNotExist = errs.ErrValidatorNotExist
	ErrFutureMessage     = errs.ErrFutureMessage
)

// errRoundf builds an Engine-class error (spec.md section 7) wrapping
// reason with additional context.
func errRoundf(reason error, format string, args ...any) error {
	return errs.NewEngine(fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), reason))
}
