package entitlement

import "time"

const day = 24 * time.Hour

// DaysBetween returns whole days from from to to, rounded toward negative
// infinity. Partial days never count.
func DaysBetween(from, to time.Time) int {
	d := to.Sub(from)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}

// IsRedeemable reports whether e is unredeemed and still inside its
// expiration window at now.
func IsRedeemable(e Entitlement, p EffectivePolicy, now time.Time) bool {
	return e.Enrollment == nil && DaysBetween(e.Created, now) < p.ExpirationPeriodDays
}

// IsRefundable reports whether e is unredeemed and still inside its refund
// window at now.
func IsRefundable(e Entitlement, p EffectivePolicy, now time.Time) bool {
	return e.Enrollment == nil && DaysBetween(e.Created, now) < p.RefundPeriodDays
}

// IsRegainable reports whether a redeemed e is inside the regain window
// counted from either the run start or the redemption, whichever leaves more
// time. runStart is the start of the redeemed run.
func IsRegainable(e Entitlement, p EffectivePolicy, runStart, now time.Time) bool {
	if e.Enrollment == nil {
		return false
	}
	return DaysBetween(runStart, now) < p.RegainPeriodDays ||
		DaysBetween(e.Enrollment.Created, now) < p.RegainPeriodDays
}

// DaysUntilExpiration is negative once the window has passed.
func DaysUntilExpiration(e Entitlement, p EffectivePolicy, now time.Time) int {
	return p.ExpirationPeriodDays - DaysBetween(e.Created, now)
}

// ExpireIfStale applies the lazy expiry transition: an unredeemed entitlement
// whose expiration window has passed gets ExpiredAt = now. Redeemed
// entitlements and entitlements with a switch in flight are left alone.
// Reports whether e changed.
func (e *Entitlement) ExpireIfStale(p EffectivePolicy, now time.Time) bool {
	if e.ExpiredAt != nil || e.Enrollment != nil || e.SwitchPending() {
		return false
	}
	if IsRedeemable(*e, p, now) {
		return false
	}
	if _, err := CheckTransition(e.State(), TriggerExpire); err != nil {
		return false
	}
	t := now
	e.ExpiredAt = &t
	e.Modified = now
	return true
}
