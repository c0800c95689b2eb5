package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("bad input"), KindValidation},
		{"image pull", ImagePull("nginx:alpine", errors.New("eof")), KindImagePull},
		{"init container", InitContainer("init-db", 1), KindInitContainer},
		{"start timeout", StartTimeout("web", 2*time.Minute), KindStartTimeout},
		{"plan invalid", PlanInvalid("cycle at %s", "web"), KindPlanInvalid},
		{"operation in progress", OperationInProgress("dep-1"), KindOperationInProgress},
		{"no snapshot", NoSnapshot("dep-1"), KindNoSnapshot},
		{"not found", NotFound("deployment", "dep-1"), KindNotFound},
		{"invalid state", InvalidState("Running", "rollback"), KindInvalidState},
		{"unclassified", errors.New("surprise"), KindInternal},
		{"wrapped", fmt.Errorf("outer: %w", NoSnapshot("dep-2")), KindNoSnapshot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("deploy: %w", OperationInProgress("dep-1"))
	if !IsKind(err, KindOperationInProgress) {
		t.Error("IsKind(wrapped, KindOperationInProgress) = false, want true")
	}
	if IsKind(err, KindNoSnapshot) {
		t.Error("IsKind(wrapped, KindNoSnapshot) = true, want false")
	}
	if IsKind(nil, KindInternal) {
		t.Error("IsKind(nil, ...) = true, want false")
	}
}

func TestInitContainerFields(t *testing.T) {
	err := InitContainer("init-db", 3)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("InitContainer did not produce *Error")
	}
	if e.Service != "init-db" {
		t.Errorf("Service = %q, want init-db", e.Service)
	}
	if e.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", e.ExitCode)
	}
}

func TestInternalCorrelation(t *testing.T) {
	err := Internal(errors.New("boom"))
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("Internal did not produce *Error")
	}
	if e.CorrelationID == "" {
		t.Error("CorrelationID is empty")
	}
	if !strings.Contains(err.Error(), e.CorrelationID) {
		t.Errorf("Error() = %q does not contain correlation id %q", err.Error(), e.CorrelationID)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Error() = %q does not contain cause", err.Error())
	}
}

func TestValidationMessageEchoed(t *testing.T) {
	err := Validation("required variable %s has no value: %s", "DB_PASSWORD", "database password must be set")
	if !strings.Contains(err.Error(), "database password must be set") {
		t.Errorf("Error() = %q, want error text echoed", err.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := DockerUnavailable(cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(DockerUnavailable(cause), cause) = false, want true")
	}
}
