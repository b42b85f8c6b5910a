package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"bad request", NewBadRequestError("x"), ErrBadRequest},
		{"unauthorized", NewUnauthorizedError("x"), ErrUnauthorized},
		{"forbidden", NewForbiddenError("x"), ErrForbidden},
		{"not found", NewNotFoundError("x"), ErrNotFound},
		{"conflict", NewConflictError("x"), ErrConflict},
		{"invalid state", NewInvalidStateError("x"), ErrInvalidState},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "steps" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "steps")
	}
}

func TestErrorCode_wrapped(t *testing.T) {
	wrapped := fmt.Errorf("process action: %w", NewForbiddenError("role mismatch"))
	if got := ErrorCode(wrapped); got != ErrForbidden {
		t.Errorf("ErrorCode() = %q, want %q", got, ErrForbidden)
	}
	if !IsErrorCode(wrapped, ErrForbidden) {
		t.Error("IsErrorCode(wrapped, FORBIDDEN) = false")
	}
	if IsErrorCode(nil, ErrForbidden) {
		t.Error("IsErrorCode(nil) = true")
	}
	if got := ErrorCode(fmt.Errorf("plain")); got != "" {
		t.Errorf("ErrorCode(plain) = %q, want empty", got)
	}
}
