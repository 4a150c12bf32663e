package tlp

import (
	"errors"
	"fmt"
)

// ErrParse is the sentinel wrapped by every framing error. A packet that
// fails with ErrParse could not be decoded at all.
var ErrParse = errors.New("malformed TLP")

// ErrValidate is the sentinel wrapped by every protocol rule violation.
// The packet decoded cleanly but is illegal to transmit.
var ErrValidate = errors.New("invalid TLP")

func parseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

func validateErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidate, fmt.Sprintf(format, args...))
}
