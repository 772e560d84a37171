package model

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Error kinds. Lower layers mark errors with these; stage boundaries classify them with KindOf.
var (
	ErrTransient         = errors.New("transient")
	ErrValidation        = errors.New("validation")
	ErrStateViolation    = errors.New("state violation")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrFatalConfig       = errors.New("fatal configuration")

	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInvalidQuery       = errors.New("invalid query")

	ErrNotFound     = errors.New("not found")
	ErrLeaseNotHeld = errors.New("lease not held")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindValidation
	KindStateViolation
	KindResourceExhausted
	KindFatalConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindStateViolation:
		return "state_violation"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Context deadlines count as transient.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrFatalConfig):
		return KindFatalConfig
	case errors.Is(err, ErrStateViolation):
		return KindStateViolation
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidQuery):
		return KindValidation
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrTransient), errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

func Transient(err error) error { return errors.Mark(err, ErrTransient) }

func Invalid(err error) error { return errors.Mark(err, ErrValidation) }

func Invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func StateViolation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrStateViolation)
}

func Exhausted(reason string) error {
	return errors.Mark(errors.Newf("dropped: %s", reason), ErrResourceExhausted)
}

func FatalConfig(err error) error { return errors.Mark(err, ErrFatalConfig) }

// BackendUnavailable marks a query backend failure as retryable.
func BackendUnavailable(err error) error {
	return errors.Mark(errors.Mark(err, ErrBackendUnavailable), ErrTransient)
}

func InvalidQuery(err error) error { return errors.Mark(err, ErrInvalidQuery) }

// Is reports whether err carries target, including marks applied with the helpers above.
func Is(err, target error) bool { return errors.Is(err, target) }
