package models

import (
	"time"
)

// Billing event types. The first three are the normalised transitions; the
// provider-native names map onto them.
const (
	BillingEventActivated = "subscription.activated"
	BillingEventRenewed   = "subscription.renewed"
	BillingEventCanceled  = "subscription.canceled"

	BillingEventCheckoutCompleted   = "checkout.session.completed"
	BillingEventInvoicePaid         = "invoice.paid"
	BillingEventSubscriptionDeleted = "customer.subscription.deleted"
)

// Transition is the entitlement change a billing event asks for
type Transition string

const (
	TransitionActivate Transition = "activate"
	TransitionCancel   Transition = "cancel"
	TransitionNone     Transition = "none"
)

// TransitionFor maps an event type to its entitlement transition
func TransitionFor(eventType string) Transition {
	switch eventType {
	case BillingEventActivated, BillingEventRenewed, BillingEventCheckoutCompleted, BillingEventInvoicePaid:
		return TransitionActivate
	case BillingEventCanceled, BillingEventSubscriptionDeleted:
		return TransitionCancel
	default:
		return TransitionNone
	}
}

// BillingEvent is a verified and parsed billing-provider webhook event
type BillingEvent struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Transition Transition `json:"transition"`
	AccountID  string     `json:"account_id"`
	Plan       PlanTier   `json:"plan,omitempty"`
	PriceID    string     `json:"price_id,omitempty"`
	Allowance  int        `json:"allowance"`
	CreatedAt  time.Time  `json:"created_at"`
	Raw        []byte     `json:"-"`
}

// EventOutcome describes what the reconciler did with an event
type EventOutcome string

const (
	EventApplied   EventOutcome = "applied"
	EventDuplicate EventOutcome = "duplicate"
	EventIgnored   EventOutcome = "ignored"
	EventStale     EventOutcome = "stale"
	EventQueued    EventOutcome = "queued"
	EventRejected  EventOutcome = "rejected"
)
