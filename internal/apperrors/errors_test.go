package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("name", "job name is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "job name is required" {
		t.Errorf("expected message 'job name is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "name" {
		t.Errorf("expected field 'name', got %q", appErr.Field)
	}
}

func TestState(t *testing.T) {
	t.Parallel()
	err := State("job", "job #5 is already finished")

	if !errors.Is(err, ErrState) {
		t.Error("expected error to match ErrState")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("state error must not match ErrValidation")
	}
	if Retryable(err) {
		t.Error("state error must not be retryable")
	}
}

func TestBusyAndTimeoutAreRetryable(t *testing.T) {
	t.Parallel()
	if !Retryable(Busy("lock", "held by B")) {
		t.Error("busy should be retryable")
	}
	if !Retryable(Timeout("valve.enter", "no resolution")) {
		t.Error("timeout should be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "42")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "job 42 not found" {
		t.Errorf("expected message 'job 42 not found', got %q", err.Error())
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("judges crashed")
	err := Internal("pipeline.execute", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if !errors.Is(err, cause) {
		t.Error("expected error to match its cause")
	}
	if err.Error() != "pipeline.execute: judges crashed" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("exit", "bad"), http.StatusBadRequest},
		{"forbidden", Forbidden("inactive token"), http.StatusForbidden},
		{"not found", NotFound("job", "1"), http.StatusNotFound},
		{"state", State("job", "expired"), http.StatusConflict},
		{"busy", Busy("lock", "held"), http.StatusLocked},
		{"timeout", Timeout("valve", "late"), http.StatusGatewayTimeout},
		{"internal", Internal("op", errors.New("x")), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("outer: %w", State("job", "done")), http.StatusConflict},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, expected %d", got, tt.expected)
			}
		})
	}
}
