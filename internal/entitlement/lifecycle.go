package entitlement

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

// Trigger names a lifecycle transition.
type Trigger string

const (
	TriggerRedeem   Trigger = "redeem"
	TriggerSwitch   Trigger = "switch"
	TriggerUnenroll Trigger = "unenroll"
	TriggerExpire   Trigger = "expire"
	TriggerRevoke   Trigger = "revoke"
)

func newLifecycle(initial State) *stateless.StateMachine {
	machine := stateless.NewStateMachine(initial)

	machine.Configure(StateActive).
		Permit(TriggerRedeem, StateRedeemed).
		Permit(TriggerExpire, StateExpired).
		Permit(TriggerRevoke, StateExpired).
		Ignore(TriggerUnenroll)

	machine.Configure(StateRedeemed).
		PermitReentry(TriggerSwitch).
		Permit(TriggerUnenroll, StateActive).
		Permit(TriggerRevoke, StateExpired)

	// Terminal. Revoke is accepted and ignored so it stays idempotent.
	machine.Configure(StateExpired).
		Ignore(TriggerRevoke)

	return machine
}

// CheckTransition returns the state reached by firing t from from, or
// ErrInvalidTransition when t is not permitted there.
func CheckTransition(from State, t Trigger) (State, error) {
	machine := newLifecycle(from)
	if err := machine.Fire(t); err != nil {
		return from, fmt.Errorf("%w: cannot %s an entitlement in state %s", ErrInvalidTransition, t, from)
	}
	to, ok := machine.MustState().(State)
	if !ok {
		return from, fmt.Errorf("%w: unexpected state %v", ErrInvalidTransition, machine.MustState())
	}
	return to, nil
}
