// Package errdefs defines the tagged error taxonomy surfaced by deployment
// operations. Expected operational failures are classified by Kind so callers
// can branch without string matching; anything unclassified is Internal and
// carries a correlation id for log lookup.
package errdefs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an operational error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindImagePull           Kind = "image_pull_failed"
	KindInitContainer       Kind = "init_container_failed"
	KindStartTimeout        Kind = "service_start_timeout"
	KindPlanInvalid         Kind = "plan_invalid"
	KindPathNotPermitted    Kind = "path_not_permitted"
	KindDockerUnavailable   Kind = "docker_unavailable"
	KindOperationInProgress Kind = "operation_in_progress"
	KindNoSnapshot          Kind = "no_snapshot"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindInternal            Kind = "internal"
)

// Error is a classified operational error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Populated where the kind calls for it.
	Service       string
	Image         string
	ExitCode      int
	CorrelationID string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Validation reports a caller-correctable input problem.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// ImagePull reports a failed image pull.
func ImagePull(image string, cause error) error {
	return &Error{
		Kind:  KindImagePull,
		Msg:   fmt.Sprintf("pull image %s failed", image),
		Err:   cause,
		Image: image,
	}
}

// InitContainer reports an init container that exited non-zero under the
// abort policy.
func InitContainer(service string, exitCode int) error {
	return &Error{
		Kind:     KindInitContainer,
		Msg:      fmt.Sprintf("init container %s exited with code %d", service, exitCode),
		Service:  service,
		ExitCode: exitCode,
	}
}

// StartTimeout reports a service that did not become ready in time.
func StartTimeout(service string, timeout time.Duration) error {
	return &Error{
		Kind:    KindStartTimeout,
		Msg:     fmt.Sprintf("service %s did not become ready within %s", service, timeout),
		Service: service,
	}
}

// PlanInvalid reports a compose plan rejected before execution.
func PlanInvalid(format string, args ...any) error {
	return &Error{Kind: KindPlanInvalid, Msg: fmt.Sprintf(format, args...)}
}

// PathNotPermitted reports a host bind path outside the allow-list.
func PathNotPermitted(path string) error {
	return &Error{
		Kind: KindPathNotPermitted,
		Msg:  fmt.Sprintf("host path %s is not permitted for bind mounts", path),
	}
}

// DockerUnavailable reports an unreachable daemon.
func DockerUnavailable(cause error) error {
	return &Error{Kind: KindDockerUnavailable, Msg: "docker daemon unavailable", Err: cause}
}

// OperationInProgress reports a lost compare-and-set on a deployment.
func OperationInProgress(deploymentID string) error {
	return &Error{
		Kind: KindOperationInProgress,
		Msg:  fmt.Sprintf("an operation is already in progress for deployment %s", deploymentID),
	}
}

// NoSnapshot reports a rollback attempt with no eligible snapshot.
func NoSnapshot(deploymentID string) error {
	return &Error{
		Kind: KindNoSnapshot,
		Msg:  fmt.Sprintf("no rollback snapshot for deployment %s", deploymentID),
	}
}

// NotFound reports a missing record.
func NotFound(what, id string) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %s not found", what, id)}
}

// InvalidState reports an operation attempted from a state that does not
// permit it.
func InvalidState(current, operation string) error {
	return &Error{
		Kind: KindInvalidState,
		Msg:  fmt.Sprintf("cannot %s from state %s", operation, current),
	}
}

// Internal wraps an unexpected error with a correlation id.
func Internal(cause error) error {
	id := uuid.NewString()
	return &Error{
		Kind:          KindInternal,
		Msg:           "internal error (correlation " + id + ")",
		Err:           cause,
		CorrelationID: id,
	}
}
