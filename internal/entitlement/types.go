// Package entitlement tracks a learner's right to redeem a purchased seat in a
// course for an enrollment in one of the course's runs.
package entitlement

import (
	"time"

	"github.com/google/uuid"

	"entitlements.org/internal/enrollment"
)

// State is the lifecycle position of an entitlement.
type State string

const (
	StateActive   State = "active"   // unredeemed, not expired
	StateRedeemed State = "redeemed" // bound to an enrollment
	StateExpired  State = "expired"  // expired or revoked; terminal
)

// Entitlement is the aggregate root. UUID is the only externally visible
// identifier; storage keys stay internal.
type Entitlement struct {
	UUID        uuid.UUID  `json:"uuid"`
	UserID      string     `json:"user"`
	CourseUUID  uuid.UUID  `json:"course_uuid"`
	Mode        string     `json:"mode"`
	OrderNumber string     `json:"order_number,omitempty"`
	Created     time.Time  `json:"created"`
	Modified    time.Time  `json:"modified"`
	ExpiredAt   *time.Time `json:"expired_at"`

	// Enrollment is nil while unredeemed.
	Enrollment *enrollment.Enrollment `json:"enrollment_course_run"`

	// PendingCourseRunID is the target of a switch that has started but not
	// finished. It is persisted before the old seat is released.
	PendingCourseRunID string `json:"pending_course_run,omitempty"`

	Policy *Policy `json:"policy,omitempty"`
}

// State derives the lifecycle state from the persisted fields.
func (e Entitlement) State() State {
	switch {
	case e.ExpiredAt != nil:
		return StateExpired
	case e.Enrollment != nil:
		return StateRedeemed
	default:
		return StateActive
	}
}

// SwitchPending reports whether a run switch was started and not completed.
func (e Entitlement) SwitchPending() bool { return e.PendingCourseRunID != "" }

// CourseRunID returns the redeemed run, or "" while unredeemed.
func (e Entitlement) CourseRunID() string {
	if e.Enrollment == nil {
		return ""
	}
	return e.Enrollment.CourseRunID
}

func (e Entitlement) clone() Entitlement {
	out := e
	if e.ExpiredAt != nil {
		t := *e.ExpiredAt
		out.ExpiredAt = &t
	}
	if e.Enrollment != nil {
		enr := *e.Enrollment
		out.Enrollment = &enr
	}
	if e.Policy != nil {
		p := *e.Policy
		out.Policy = &p
	}
	return out
}

// Filter narrows ListEntitlements.
type Filter struct {
	UserID string
	Limit  int
	Offset int
}

func (f Filter) normalize() Filter {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// CreateRequest carries the fields of a purchase or grant event.
type CreateRequest struct {
	UserID      string `json:"user" validate:"required,max=150"`
	CourseUUID  string `json:"course_uuid" validate:"required,uuid"`
	Mode        string `json:"mode" validate:"required,max=100"`
	OrderNumber string `json:"order_number" validate:"max=128"`
	PolicyID    *int64 `json:"policy,omitempty" validate:"omitempty,gt=0"`
	Site        string `json:"site,omitempty" validate:"max=255"`
}

// Redemption is the result of RedeemOrSwitch.
type Redemption struct {
	UUID        uuid.UUID `json:"uuid"`
	CourseRunID string    `json:"course_run_id"`
	IsActive    bool      `json:"is_active"`
}

// Eligibility summarises the temporal policy checks at a point in time.
type Eligibility struct {
	UUID                uuid.UUID `json:"uuid"`
	State               State     `json:"state"`
	Redeemable          bool      `json:"is_redeemable"`
	Refundable          bool      `json:"is_refundable"`
	Regainable          bool      `json:"is_regainable"`
	DaysUntilExpiration int       `json:"days_until_expiration"`
	SwitchPending       bool      `json:"switch_pending"`
	AsOf                time.Time `json:"as_of"`
}
