package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCode(t *testing.T) {
	base := ConfigInvalid("fit_axes is required")
	err := Wrapf(base, "channel %q", "ch0")
	if GetCode(err) != CodeConfigInvalid {
		t.Errorf("expected %s, got %s", CodeConfigInvalid, GetCode(err))
	}
	if !stderrors.Is(err, base) {
		t.Error("wrapped error should unwrap to the original")
	}
}

func TestWrapPlainError(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := StorageError("writing card.sqlite", cause)
	if GetCode(err) != CodeStorageError {
		t.Errorf("expected %s, got %s", CodeStorageError, GetCode(err))
	}
	if !stderrors.Is(err, cause) {
		t.Error("storage error should unwrap to its cause")
	}
	if GetCode(Wrap(cause, "context")) != CodeInternalError {
		t.Error("plain errors wrap as internal errors")
	}
	if Wrap(nil, "nothing") != nil {
		t.Error("wrapping nil should return nil")
	}
	if GetCode(cause) != "UNKNOWN" {
		t.Error("plain errors have no code")
	}
}

func TestInputError(t *testing.T) {
	err := InputError("a.json", fmt.Errorf("unexpected EOF"))
	if !IsAppError(err) {
		t.Fatal("expected an app error")
	}
	if err.Error() == "" {
		t.Error("empty message")
	}
}
