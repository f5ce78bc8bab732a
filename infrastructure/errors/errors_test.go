package errors

import (
	"errors"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(KindTimeoutExceeded, "test message"),
			want: "[timeout_exceeded] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(KindInternal, "test message", errors.New("underlying")),
			want: "[internal] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(KindInternal, "test", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should traverse Unwrap")
	}
}

func TestEngineError_WithDetails(t *testing.T) {
	err := New(KindConstraintViolation, "test")
	err.WithDetails("field", "truthfulness").WithDetails("reason", "below threshold")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "truthfulness" {
		t.Errorf("Details[field] = %v, want truthfulness", err.Details["field"])
	}
}

func TestConstructors(t *testing.T) {
	if got := GetKind(InputClamp("activity")); got != KindInputClamp {
		t.Errorf("InputClamp kind = %v", got)
	}
	if got := GetKind(InsufficientSignal("meter", 0)); got != KindInsufficientSignal {
		t.Errorf("InsufficientSignal kind = %v", got)
	}
	if got := GetKind(ConstraintViolation("A1", "B1")); got != KindConstraintViolation {
		t.Errorf("ConstraintViolation kind = %v", got)
	}
	if got := GetKind(ProjectionFailure(16, []string{"A1"})); got != KindProjectionFailure {
		t.Errorf("ProjectionFailure kind = %v", got)
	}
	if got := GetKind(TimeoutExceeded(100)); got != KindTimeoutExceeded {
		t.Errorf("TimeoutExceeded kind = %v", got)
	}
	if got := GetKind(StorageUnavailable("append", errors.New("disk full"))); got != KindStorageUnavailable {
		t.Errorf("StorageUnavailable kind = %v", got)
	}
	if got := GetKind(Internal("panic recovered", errors.New("boom"))); got != KindInternal {
		t.Errorf("Internal kind = %v", got)
	}
}

func TestIsEngineError(t *testing.T) {
	if IsEngineError(errors.New("plain")) {
		t.Error("plain error should not be an EngineError")
	}
	if !IsEngineError(New(KindInternal, "x")) {
		t.Error("EngineError should be recognized")
	}
}

func TestGetKindDefaultsToInternal(t *testing.T) {
	if got := GetKind(errors.New("plain")); got != KindInternal {
		t.Errorf("GetKind on plain error = %v, want internal", got)
	}
}
