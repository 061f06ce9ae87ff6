package transformer

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks caller-contract violations, such as a missing
// reference in Options. Data-quality problems in individual records never
// produce it.
var ErrInvalidArgument = errors.New("invalid argument")

// MapError represents a transformation error with context
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	CodeMissingReference = "MISSING_REFERENCE"
	CodeMalformedInput   = "MALFORMED_INPUT"
)
