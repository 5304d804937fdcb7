package cmd

import (
	"fmt"
)

// ExitError asks main to exit with Code. The message has already been
// printed, if there is one.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// exitWith returns nil for a zero code so cobra treats it as success.
func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}
