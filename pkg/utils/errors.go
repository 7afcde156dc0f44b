package utils

import (
	"fmt"
)

// Attaches formatted detail to a sentinel error. The sentinel stays
// visible to errors.Is through the %w verb.
func MakeError(err error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{err}, args...)...)
}
