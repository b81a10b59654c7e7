package entitlement

import "math"

// NoLimitDays stands in for an unconfigured window.
const NoLimitDays = math.MaxInt32

// Policy windows used when a stored policy is created without explicit values.
const (
	DefaultExpirationPeriodDays = 450
	DefaultRefundPeriodDays     = 60
	DefaultRegainPeriodDays     = 14
)

// Policy is a stored set of windows, optionally scoped to a site.
type Policy struct {
	ID                   int64  `json:"id"`
	ExpirationPeriodDays int    `json:"expiration_period_days" validate:"min=0"`
	RefundPeriodDays     int    `json:"refund_period_days" validate:"min=0"`
	RegainPeriodDays     int    `json:"regain_period_days" validate:"min=0"`
	Site                 string `json:"site,omitempty" validate:"max=255"`
}

// NewPolicy returns a policy populated with the stock windows.
func NewPolicy() Policy {
	return Policy{
		ExpirationPeriodDays: DefaultExpirationPeriodDays,
		RefundPeriodDays:     DefaultRefundPeriodDays,
		RegainPeriodDays:     DefaultRegainPeriodDays,
	}
}

func (p Policy) Effective() EffectivePolicy {
	return EffectivePolicy{
		ExpirationPeriodDays: p.ExpirationPeriodDays,
		RefundPeriodDays:     p.RefundPeriodDays,
		RegainPeriodDays:     p.RegainPeriodDays,
	}
}

// EffectivePolicy is the resolved set of windows applied to one entitlement.
type EffectivePolicy struct {
	ExpirationPeriodDays int `json:"expiration_period_days"`
	RefundPeriodDays     int `json:"refund_period_days"`
	RegainPeriodDays     int `json:"regain_period_days"`
}

// UnlimitedPolicy never lapses.
func UnlimitedPolicy() EffectivePolicy {
	return EffectivePolicy{
		ExpirationPeriodDays: NoLimitDays,
		RefundPeriodDays:     NoLimitDays,
		RegainPeriodDays:     NoLimitDays,
	}
}

// ResolvePolicy returns the attached policy's windows, or defaults when none
// is attached. It never fails.
func ResolvePolicy(e Entitlement, defaults EffectivePolicy) EffectivePolicy {
	if e.Policy != nil {
		return e.Policy.Effective()
	}
	return defaults
}
