package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find the cause")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_Body(t *testing.T) {
	err := NewConflictError("busy").WithContext("call_id", "c1")
	body := err.Body()
	if body["code"] != ErrCodeConflict || body["message"] != "busy" {
		t.Errorf("unexpected body: %v", body)
	}
	details, ok := body["details"].(map[string]interface{})
	if !ok || details["call_id"] != "c1" {
		t.Errorf("details missing: %v", body)
	}

	if _, ok := NewRateLimitError().Body()["details"]; ok {
		t.Errorf("details should be omitted without context")
	}
}

func TestNewInvalidStateError(t *testing.T) {
	cause := errors.New("cannot accept")
	err := NewInvalidStateError(cause)
	if err.HTTPStatus != 409 || err.Code != ErrCodeInvalidState {
		t.Errorf("unexpected error: %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause should be preserved")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("call")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != 404 || err.Message != "call not found" {
		t.Errorf("unexpected error: %+v", err)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if GetAppError(appErr) != appErr {
		t.Errorf("GetAppError() should return the error itself")
	}

	wrapped := fmt.Errorf("handler: %w", appErr)
	if GetAppError(wrapped) != appErr {
		t.Errorf("GetAppError() should unwrap fmt wrapping")
	}
	if !IsAppError(wrapped) {
		t.Errorf("IsAppError() should see through wrapping")
	}

	if GetAppError(errors.New("regular error")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
}
