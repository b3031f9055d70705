package experiment

import (
	"github.com/cockroachdb/errors"
)

// Kind is the stable error classification surfaced to callers.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindComputationSkipped Kind = "COMPUTATION_SKIPPED"
	KindInternal           Kind = "INTERNAL"
)

// Kind markers. Errors produced by this module are marked with one of these
// and can be tested with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrComputationSkipped = errors.New("computation skipped")
	ErrInternal           = errors.New("internal error")
)

func Validationf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func Conflictf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

func Skippedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrComputationSkipped)
}

// Internal wraps an unexpected failure, usually from the storage layer.
// A nil err returns nil.
func Internal(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrInternal)
}

// KindOf classifies err. Unmarked errors are INTERNAL.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrComputationSkipped):
		return KindComputationSkipped
	default:
		return KindInternal
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
