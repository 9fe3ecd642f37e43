package enums

import "fmt"

// SubscriptionState is the canonical entitlement state for a user. It moves
// only through the entitlement state machine, never by direct writes.
type SubscriptionState string

const (
	SubscriptionStateNone     SubscriptionState = "none"
	SubscriptionStateTrialing SubscriptionState = "trialing"
	SubscriptionStateActive   SubscriptionState = "active"
	SubscriptionStatePastDue  SubscriptionState = "past_due"
	SubscriptionStateCanceled SubscriptionState = "canceled"
	SubscriptionStateExpired  SubscriptionState = "expired"
)

var validSubscriptionStates = []SubscriptionState{
	SubscriptionStateNone,
	SubscriptionStateTrialing,
	SubscriptionStateActive,
	SubscriptionStatePastDue,
	SubscriptionStateCanceled,
	SubscriptionStateExpired,
}

// String implements fmt.Stringer.
func (s SubscriptionState) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s SubscriptionState) IsValid() bool {
	for _, candidate := range validSubscriptionStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition leaves the state.
// An expired user can only come back through a brand-new provider subscription.
func (s SubscriptionState) IsTerminal() bool {
	return s == SubscriptionStateCanceled || s == SubscriptionStateExpired
}

// ParseSubscriptionState converts raw input into a SubscriptionState.
func ParseSubscriptionState(value string) (SubscriptionState, error) {
	for _, candidate := range validSubscriptionStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscription state %q", value)
}
