// Package enrollment describes the enrollment service that entitlements are
// redeemed against. The entitlement core only consumes this contract.
package enrollment

import (
	"context"
	"errors"
	"time"
)

// Enrollment is an active seat of a learner in a specific course run.
type Enrollment struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user"`
	CourseRunID string    `json:"course_run_id"`
	Mode        string    `json:"mode"`
	IsActive    bool      `json:"is_active"`
	Created     time.Time `json:"created"`
}

// UnenrollOptions tweaks side effects of Unenroll.
type UnenrollOptions struct {
	// SkipRefund suppresses the refund flow normally triggered by leaving a paid run.
	SkipRefund bool
}

// Service is the enrollment collaborator.
type Service interface {
	Enroll(ctx context.Context, userID, courseRunID, mode string) (Enrollment, error)
	Unenroll(ctx context.Context, userID, courseRunID string, opts UnenrollOptions) error
	IsEnrolled(ctx context.Context, userID, courseRunID string) (bool, error)
}

var (
	ErrNotEnrolled      = errors.New("enrollment: not enrolled")
	ErrEnrollmentClosed = errors.New("enrollment: enrollment closed")
	ErrCourseFull       = errors.New("enrollment: course run full")
	ErrInvalidInput     = errors.New("enrollment: invalid input")
)
