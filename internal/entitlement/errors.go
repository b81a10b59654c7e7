package entitlement

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("entitlement not found")
	ErrPolicyNotFound    = errors.New("entitlement policy not found")
	ErrRunMismatch       = errors.New("course run does not belong to the entitled course")
	ErrEnrollmentFailed  = errors.New("enrollment service refused the request")
	ErrSwitchIncomplete  = errors.New("course run switch incomplete")
	ErrInvalidTransition = errors.New("invalid entitlement transition")
)

// EnrollmentError reports a failed call to the enrollment service. The
// entitlement was not changed.
type EnrollmentError struct {
	Op          string // "enroll" or "unenroll"
	CourseRunID string
	Err         error
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.CourseRunID, e.Err)
}

func (e *EnrollmentError) Unwrap() []error { return []error{ErrEnrollmentFailed, e.Err} }

// PartialSwitchError is returned when a switch released the old seat but could
// not take the new one. The entitlement is left unredeemed with
// PendingCourseRunID set to ToCourseRunID.
type PartialSwitchError struct {
	EntitlementUUID uuid.UUID
	FromCourseRunID string
	ToCourseRunID   string
	Err             error
}

func (e *PartialSwitchError) Error() string {
	return fmt.Sprintf("entitlement %s: unenrolled from %s but enrolling in %s failed: %v",
		e.EntitlementUUID, e.FromCourseRunID, e.ToCourseRunID, e.Err)
}

func (e *PartialSwitchError) Unwrap() []error { return []error{ErrSwitchIncomplete, e.Err} }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// errorClass buckets err for metrics.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPolicyNotFound):
		return "not_found"
	case errors.Is(err, ErrRunMismatch):
		return "run_mismatch"
	case errors.Is(err, ErrSwitchIncomplete):
		return "partial_switch"
	case errors.Is(err, ErrEnrollmentFailed):
		return "enrollment_failed"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
