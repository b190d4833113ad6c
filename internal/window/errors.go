package window

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration is matched by errors returned from New.
	ErrConfiguration = errors.New("window: invalid configuration")

	// ErrValidation is matched by errors returned for bad call arguments.
	ErrValidation = errors.New("window: invalid argument")
)

// ConfigurationError reports a counter that cannot be constructed.
type ConfigurationError struct {
	Window time.Duration
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("window duration must be positive (got %s)", e.Window)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ValidationError reports a rejected argument. The call had no effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
