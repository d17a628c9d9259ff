package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Configuration errors
	ErrConfiguration = errors.New("invalid configuration")
	ErrInvalidState  = errors.New("invalid channel state transition")

	// Histogram algebra errors
	ErrAxisMismatch = errors.New("axis mismatch")
	ErrUnknownAxis  = fmt.Errorf("%w: unknown axis", ErrAxisMismatch)
	ErrBinRange     = fmt.Errorf("%w: bin out of range", ErrAxisMismatch)

	// Registry errors
	ErrNotFound        = errors.New("resource not found")
	ErrUnknownProcess  = fmt.Errorf("%w: process", ErrNotFound)
	ErrUnknownGroup    = fmt.Errorf("%w: group", ErrNotFound)
	ErrUnknownHist     = fmt.Errorf("%w: histogram", ErrNotFound)
	ErrDuplicateGroup  = errors.New("duplicate group")
	ErrDuplicateMember = errors.New("duplicate group member")

	// Systematic errors
	ErrUnknownAction      = errors.New("unknown or failing systematic action")
	ErrNameCollision      = errors.New("systematic name collision")
	ErrEmptyVariationSet  = errors.New("empty variation set")
	ErrChannelFinalized   = errors.New("channel already finalized")
	ErrValidation         = errors.New("channel validation failed")
	ErrIncompleteArtifact = errors.New("artifact incomplete")
)

// Error constructors with context
func NewConfigError(field string, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrConfiguration, field, reason)
}

func NewAxisMismatchError(axis string, reason string) error {
	return fmt.Errorf("%w: axis %q: %s", ErrAxisMismatch, axis, reason)
}

func NewNotFoundError(kind error, name string) error {
	return fmt.Errorf("%w %q", kind, name)
}

// NewSystematicError attaches the systematic, process and axis that were being
// handled when err happened. Empty fields are omitted.
func NewSystematicError(syst, process, axis string, err error) error {
	ctx := "systematic " + syst
	if process != "" {
		ctx += ", process " + process
	}
	if axis != "" {
		ctx += ", axis " + axis
	}
	return fmt.Errorf("%s: %w", ctx, err)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrDuplicateGroup) ||
		errors.Is(err, ErrDuplicateMember) ||
		errors.Is(err, ErrInvalidState)
}

// IsSystematicDefinitionError reports errors that point at a bug in a
// systematic's definition rather than at its inputs.
func IsSystematicDefinitionError(err error) bool {
	return errors.Is(err, ErrNameCollision) ||
		errors.Is(err, ErrEmptyVariationSet) ||
		errors.Is(err, ErrUnknownAction)
}

func IsAxisMismatch(err error) bool {
	return errors.Is(err, ErrAxisMismatch)
}
