package entitlement

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"entitlements.org/internal/catalog"
	"entitlements.org/internal/enrollment"
	"entitlements.org/internal/obs"
)

// Manager orchestrates the entitlement lifecycle against the store and the
// enrollment and catalog services.
type Manager struct {
	store       Store
	enrollments enrollment.Service
	catalog     catalog.Service
	defaults    EffectivePolicy
	now         func() time.Time
	log         logrus.FieldLogger
	validate    *validator.Validate
}

type Option func(*Manager)

// WithDefaultPolicy sets the windows used for entitlements with no policy.
func WithDefaultPolicy(p EffectivePolicy) Option {
	return func(m *Manager) { m.defaults = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(store Store, enrollments enrollment.Service, cat catalog.Service, opts ...Option) *Manager {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	m := &Manager{
		store:       store,
		enrollments: enrollments,
		catalog:     cat,
		defaults:    UnlimitedPolicy(),
		now:         func() time.Time { return time.Now().UTC() },
		log:         obs.Logger(),
		validate:    v,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Defaults returns the windows applied to entitlements with no policy.
func (m *Manager) Defaults() EffectivePolicy { return m.defaults }

func (m *Manager) policyFor(e Entitlement) EffectivePolicy { return ResolvePolicy(e, m.defaults) }

func (m *Manager) trace(ctx context.Context, name string, id uuid.UUID) (context.Context, func(error)) {
	ctx, span := obs.StartSpan(ctx, "entitlement."+name, attribute.String("entitlement.uuid", id.String()))
	return ctx, func(err error) {
		obs.ObserveTransition(name, errorClass(err))
		obs.EndSpan(span, err)
	}
}

func (m *Manager) checkStruct(v any) error {
	err := m.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return validationf("%v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return validationf("%s", strings.Join(msgs, "; "))
}

// Create records a new unredeemed entitlement. When no policy is named, the
// newest policy of req.Site is attached if one exists.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (out Entitlement, err error) {
	id := uuid.New()
	ctx, done := m.trace(ctx, "create", id)
	defer func() { done(err) }()

	if err = m.checkStruct(req); err != nil {
		return Entitlement{}, err
	}
	courseUUID, err := uuid.Parse(req.CourseUUID)
	if err != nil {
		return Entitlement{}, validationf("course_uuid: %v", err)
	}

	var policy *Policy
	switch {
	case req.PolicyID != nil:
		p, perr := m.store.GetPolicy(ctx, *req.PolicyID)
		if errors.Is(perr, ErrPolicyNotFound) {
			return Entitlement{}, validationf("policy %d does not exist", *req.PolicyID)
		}
		if perr != nil {
			return Entitlement{}, perr
		}
		policy = &p
	case req.Site != "":
		p, perr := m.store.PolicyForSite(ctx, req.Site)
		if perr != nil && !errors.Is(perr, ErrPolicyNotFound) {
			return Entitlement{}, perr
		}
		if perr == nil {
			policy = &p
		}
	}

	now := m.now()
	e := Entitlement{
		UUID:        id,
		UserID:      req.UserID,
		CourseUUID:  courseUUID,
		Mode:        req.Mode,
		OrderNumber: req.OrderNumber,
		Created:     now,
		Modified:    now,
		Policy:      policy,
	}
	out, err = m.store.CreateEntitlement(ctx, e)
	if err != nil {
		return Entitlement{}, err
	}
	m.log.WithFields(logrus.Fields{
		"entitlement": out.UUID.String(),
		"user":        out.UserID,
		"course_uuid": out.CourseUUID.String(),
		"mode":        out.Mode,
	}).Info("created course entitlement")
	return out, nil
}

// Get fetches an entitlement, applying lazy expiry first. A non-empty owner
// restricts the lookup to that learner; other learners' entitlements are
// reported as ErrNotFound.
func (m *Manager) Get(ctx context.Context, id uuid.UUID, owner string) (Entitlement, error) {
	e, err := m.store.GetEntitlement(ctx, id)
	if err != nil {
		return Entitlement{}, err
	}
	if owner != "" && e.UserID != owner {
		return Entitlement{}, ErrNotFound
	}
	return m.sweep(ctx, e)
}

// List returns a page of entitlements, applying lazy expiry to each.
func (m *Manager) List(ctx context.Context, f Filter) ([]Entitlement, error) {
	items, err := m.store.ListEntitlements(ctx, f)
	if err != nil {
		return nil, err
	}
	var result *multierror.Error
	out := make([]Entitlement, 0, len(items))
	for _, e := range items {
		swept, serr := m.sweep(ctx, e)
		if serr != nil {
			result = multierror.Append(result, fmt.Errorf("expire %s: %w", e.UUID, serr))
			continue
		}
		out = append(out, swept)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// sweep persists the lazy expiry of e if it is due.
func (m *Manager) sweep(ctx context.Context, e Entitlement) (Entitlement, error) {
	now := m.now()
	probe := e.clone()
	if !probe.ExpireIfStale(m.policyFor(probe), now) {
		return e, nil
	}
	expired := false
	out, err := m.store.UpdateEntitlement(ctx, e.UUID, func(cur *Entitlement) error {
		expired = cur.ExpireIfStale(m.policyFor(*cur), now)
		return nil
	})
	if err != nil {
		return Entitlement{}, err
	}
	if expired {
		obs.ObserveLazyExpiry()
		m.log.WithFields(logrus.Fields{
			"entitlement": out.UUID.String(),
			"expired_at":  now.Format(time.RFC3339),
		}).Info("set expired_at for course entitlement")
	}
	return out, nil
}

// Revoke expires an entitlement and releases its seat without a refund.
// Revoking an expired entitlement succeeds without changes.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID) (out Entitlement, err error) {
	ctx, done := m.trace(ctx, "revoke", id)
	defer func() { done(err) }()

	now := m.now()
	var released string
	out, err = m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
		if _, err := CheckTransition(cur.State(), TriggerRevoke); err != nil {
			return err
		}
		if cur.ExpiredAt != nil {
			return nil
		}
		t := now
		cur.ExpiredAt = &t
		cur.PendingCourseRunID = ""
		cur.Modified = now
		if cur.Enrollment == nil {
			return nil
		}
		runID := cur.Enrollment.CourseRunID
		uerr := m.enrollments.Unenroll(ctx, cur.UserID, runID, enrollment.UnenrollOptions{SkipRefund: true})
		if uerr != nil && !errors.Is(uerr, enrollment.ErrNotEnrolled) {
			return &EnrollmentError{Op: "unenroll", CourseRunID: runID, Err: uerr}
		}
		released = runID
		cur.Enrollment = nil
		return nil
	})
	if err != nil {
		return Entitlement{}, err
	}
	fields := logrus.Fields{"entitlement": out.UUID.String(), "user": out.UserID}
	if released != "" {
		m.log.WithFields(fields).WithField("course_run", released).
			Info("unenrolled user from course run as part of revocation")
	}
	m.log.WithFields(fields).Info("revoked course entitlement")
	return out, nil
}

// RedeemOrSwitch enrolls the owner in courseRunID. An unredeemed entitlement
// is redeemed; a redeemed one is moved to the new run.
func (m *Manager) RedeemOrSwitch(ctx context.Context, id uuid.UUID, owner, courseRunID string) (out Redemption, err error) {
	ctx, done := m.trace(ctx, "redeem_or_switch", id)
	defer func() { done(err) }()

	courseRunID = strings.TrimSpace(courseRunID)
	if courseRunID == "" {
		return Redemption{}, validationf("course_run_id is required")
	}
	current, err := m.Get(ctx, id, owner)
	if err != nil {
		return Redemption{}, err
	}
	if current.ExpiredAt != nil {
		return Redemption{}, fmt.Errorf("%w: entitlement %s is expired", ErrNotFound, id)
	}
	if err = m.checkRun(ctx, current.CourseUUID, courseRunID); err != nil {
		return Redemption{}, err
	}

	switch {
	case current.Enrollment == nil:
		return m.redeem(ctx, id, owner, courseRunID)
	case current.Enrollment.CourseRunID == courseRunID:
		return m.stay(ctx, id, owner, courseRunID)
	default:
		return m.switchRun(ctx, id, owner, courseRunID)
	}
}

func (m *Manager) checkRun(ctx context.Context, course uuid.UUID, runID string) error {
	runs, err := m.catalog.ListCourseRuns(ctx, course)
	if errors.Is(err, catalog.ErrCourseNotFound) {
		return fmt.Errorf("%w: course %s is not in the catalog", ErrRunMismatch, course)
	}
	if err != nil {
		return fmt.Errorf("list course runs: %w", err)
	}
	if !catalog.ContainsRun(runs, runID) {
		return fmt.Errorf("%w: %s is not a run of course %s", ErrRunMismatch, runID, course)
	}
	return nil
}

// lockedCheck re-validates ownership and expiry inside a transaction.
func lockedCheck(cur *Entitlement, owner string) error {
	if owner != "" && cur.UserID != owner {
		return ErrNotFound
	}
	if cur.ExpiredAt != nil {
		return fmt.Errorf("%w: entitlement %s is expired", ErrNotFound, cur.UUID)
	}
	return nil
}

func (m *Manager) redeem(ctx context.Context, id uuid.UUID, owner, runID string) (Redemption, error) {
	now := m.now()
	out, err := m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
		if err := lockedCheck(cur, owner); err != nil {
			return err
		}
		if cur.Enrollment != nil && cur.Enrollment.CourseRunID == runID {
			return nil
		}
		if _, err := CheckTransition(cur.State(), TriggerRedeem); err != nil {
			return err
		}
		// The recorded target of an interrupted switch may be taken regardless
		// of age. Any other run needs the redemption window.
		resume := cur.SwitchPending() && cur.PendingCourseRunID == runID
		if !resume && !IsRedeemable(*cur, m.policyFor(*cur), now) {
			return fmt.Errorf("%w: entitlement %s is no longer redeemable", ErrNotFound, cur.UUID)
		}
		enr, err := m.enrollments.Enroll(ctx, cur.UserID, runID, cur.Mode)
		if err != nil {
			return &EnrollmentError{Op: "enroll", CourseRunID: runID, Err: err}
		}
		cur.Enrollment = &enr
		cur.PendingCourseRunID = ""
		cur.Modified = now
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}
	m.log.WithFields(logrus.Fields{
		"entitlement": id.String(),
		"user":        out.UserID,
		"course_run":  runID,
	}).Info("redeemed course entitlement")
	return redemptionOf(out), nil
}

// stay handles a request for the run the entitlement already holds. A switch
// away from it that never released the seat is abandoned.
func (m *Manager) stay(ctx context.Context, id uuid.UUID, owner, runID string) (Redemption, error) {
	now := m.now()
	out, err := m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
		if err := lockedCheck(cur, owner); err != nil {
			return err
		}
		if cur.Enrollment == nil || cur.Enrollment.CourseRunID != runID {
			return fmt.Errorf("%w: entitlement %s changed concurrently", ErrInvalidTransition, cur.UUID)
		}
		if cur.SwitchPending() {
			cur.PendingCourseRunID = ""
			cur.Modified = now
		}
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}
	return redemptionOf(out), nil
}

// switchRun moves a redeemed entitlement to runID in three committed steps:
// record the target, release the old seat, take the new seat. Failure of the
// last step leaves the entitlement unredeemed with the target recorded and is
// reported as *PartialSwitchError.
func (m *Manager) switchRun(ctx context.Context, id uuid.UUID, owner, runID string) (Redemption, error) {
	now := m.now()
	log := m.log.WithFields(logrus.Fields{"entitlement": id.String(), "to_course_run": runID})

	_, err := m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
		if err := lockedCheck(cur, owner); err != nil {
			return err
		}
		if _, err := CheckTransition(cur.State(), TriggerSwitch); err != nil {
			return err
		}
		if cur.SwitchPending() && cur.PendingCourseRunID != runID {
			return fmt.Errorf("%w: switch to %s already in progress", ErrInvalidTransition, cur.PendingCourseRunID)
		}
		cur.PendingCourseRunID = runID
		cur.Modified = now
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}

	var from string
	_, err = m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
		if cur.Enrollment == nil || cur.PendingCourseRunID != runID {
			return fmt.Errorf("%w: entitlement %s changed concurrently", ErrInvalidTransition, cur.UUID)
		}
		from = cur.Enrollment.CourseRunID
		uerr := m.enrollments.Unenroll(ctx, cur.UserID, from, enrollment.UnenrollOptions{SkipRefund: true})
		if uerr != nil && !errors.Is(uerr, enrollment.ErrNotEnrolled) {
			return &EnrollmentError{Op: "unenroll", CourseRunID: from, Err: uerr}
		}
		cur.Enrollment = nil
		cur.Modified = now
		return nil
	})
	if err != nil {
		if _, cerr := m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
			if cur.Enrollment != nil && cur.PendingCourseRunID == runID {
				cur.PendingCourseRunID = ""
			}
			return nil
		}); cerr != nil {
			log.WithError(cerr).Warn("could not clear pending switch marker")
		}
		return Redemption{}, err
	}
	log = log.WithField("from_course_run", from)
	log.Info("unenrolled user from course run as part of switch")

	out, err := m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
		if cur.ExpiredAt != nil || cur.Enrollment != nil || cur.PendingCourseRunID != runID {
			return fmt.Errorf("%w: entitlement %s changed concurrently", ErrInvalidTransition, cur.UUID)
		}
		enr, err := m.enrollments.Enroll(ctx, cur.UserID, runID, cur.Mode)
		if err != nil {
			return &EnrollmentError{Op: "enroll", CourseRunID: runID, Err: err}
		}
		cur.Enrollment = &enr
		cur.PendingCourseRunID = ""
		cur.Modified = now
		return nil
	})
	if err != nil {
		obs.ObserveSwitchPartialFailure()
		log.WithError(err).Error("course run switch left entitlement unredeemed")
		return Redemption{}, &PartialSwitchError{
			EntitlementUUID: id,
			FromCourseRunID: from,
			ToCourseRunID:   runID,
			Err:             err,
		}
	}
	log.Info("switched course entitlement to new run")
	return redemptionOf(out), nil
}

func redemptionOf(e Entitlement) Redemption {
	r := Redemption{UUID: e.UUID}
	if e.Enrollment != nil {
		r.CourseRunID = e.Enrollment.CourseRunID
		r.IsActive = e.Enrollment.IsActive
	}
	return r
}

// Unenroll releases the redeemed seat and returns the entitlement to the
// unredeemed state. It is a no-op for an unredeemed entitlement.
func (m *Manager) Unenroll(ctx context.Context, id uuid.UUID, owner string) (err error) {
	ctx, done := m.trace(ctx, "unenroll", id)
	defer func() { done(err) }()

	current, err := m.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if current.ExpiredAt != nil {
		return fmt.Errorf("%w: entitlement %s is expired", ErrNotFound, id)
	}
	if current.Enrollment == nil && !current.SwitchPending() {
		return nil
	}

	now := m.now()
	var released string
	_, err = m.store.UpdateEntitlement(ctx, id, func(cur *Entitlement) error {
		if err := lockedCheck(cur, owner); err != nil {
			return err
		}
		if cur.Enrollment == nil {
			// An abandoned switch target is dropped along with the seat.
			if cur.SwitchPending() {
				cur.PendingCourseRunID = ""
				cur.Modified = now
			}
			return nil
		}
		if _, err := CheckTransition(cur.State(), TriggerUnenroll); err != nil {
			return err
		}
		runID := cur.Enrollment.CourseRunID
		uerr := m.enrollments.Unenroll(ctx, cur.UserID, runID, enrollment.UnenrollOptions{SkipRefund: true})
		if uerr != nil && !errors.Is(uerr, enrollment.ErrNotEnrolled) {
			return &EnrollmentError{Op: "unenroll", CourseRunID: runID, Err: uerr}
		}
		released = runID
		cur.Enrollment = nil
		cur.PendingCourseRunID = ""
		cur.Modified = now
		return nil
	})
	if err != nil {
		return err
	}
	if released != "" {
		m.log.WithFields(logrus.Fields{
			"entitlement": id.String(),
			"course_run":  released,
		}).Info("unenrolled user from course run")
	}
	return nil
}

// Eligibility evaluates the policy windows for an entitlement at the current
// time, after lazy expiry.
func (m *Manager) Eligibility(ctx context.Context, id uuid.UUID, owner string) (Eligibility, error) {
	e, err := m.Get(ctx, id, owner)
	if err != nil {
		return Eligibility{}, err
	}
	now := m.now()
	p := m.policyFor(e)
	out := Eligibility{
		UUID:                e.UUID,
		State:               e.State(),
		Redeemable:          e.ExpiredAt == nil && IsRedeemable(e, p, now),
		Refundable:          e.ExpiredAt == nil && IsRefundable(e, p, now),
		DaysUntilExpiration: DaysUntilExpiration(e, p, now),
		SwitchPending:       e.SwitchPending(),
		AsOf:                now,
	}
	if e.Enrollment != nil && e.ExpiredAt == nil {
		start, err := m.catalog.GetCourseRunStartDate(ctx, e.Enrollment.CourseRunID)
		if err != nil {
			return Eligibility{}, fmt.Errorf("course run start date: %w", err)
		}
		out.Regainable = IsRegainable(e, p, start, now)
	}
	return out, nil
}

// CreatePolicy stores a new policy.
func (m *Manager) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	p.ID = 0
	if err := m.checkStruct(p); err != nil {
		return Policy{}, err
	}
	return m.store.CreatePolicy(ctx, p)
}

func (m *Manager) GetPolicy(ctx context.Context, id int64) (Policy, error) {
	return m.store.GetPolicy(ctx, id)
}
