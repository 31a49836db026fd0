package model

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrModelUntrained     = errors.New("outlier model not trained")
	ErrInvalidSensitivity = errors.New("sensitivity must be between 1 and 10")
	ErrSessionNotFound    = errors.New("session not found")
)

// InvalidStateError reports a lifecycle operation attempted from a state
// that does not allow it.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

const (
	MinSensitivity = 1
	MaxSensitivity = 10
)

func ValidateSensitivity(v int) error {
	if v < MinSensitivity || v > MaxSensitivity {
		return fmt.Errorf("%w: got %d", ErrInvalidSensitivity, v)
	}
	return nil
}
