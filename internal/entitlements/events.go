package entitlements

import (
	"time"

	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/pkg/enums"
)

// EventKind names the billing events the state machine understands. The set
// is closed; anything else arrives as KindUnknown and is dropped.
type EventKind string

const (
	KindCheckoutCompleted    EventKind = "checkout_completed"
	KindInvoicePaid          EventKind = "invoice_paid"
	KindInvoicePaymentFailed EventKind = "invoice_payment_failed"
	KindSubscriptionCanceled EventKind = "subscription_canceled"
	KindUnknown              EventKind = "unknown"
)

// Event is a verified billing-provider event translated into machine input.
// Every event carries the provider's globally unique event id for replay
// detection.
type Event interface {
	EventID() string
	Kind() EventKind
}

// CheckoutCompleted starts a brand-new subscription for a user.
type CheckoutCompleted struct {
	ID                     string
	UserID                 uuid.UUID
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PlanTier               enums.PlanTier
	Trialing               bool
	PeriodEnd              time.Time
}

func (e CheckoutCompleted) EventID() string { return e.ID }
func (e CheckoutCompleted) Kind() EventKind { return KindCheckoutCompleted }

// InvoicePaid confirms payment for the current or next billing period.
type InvoicePaid struct {
	ID                     string
	ProviderSubscriptionID string
	PeriodEnd              time.Time
}

func (e InvoicePaid) EventID() string { return e.ID }
func (e InvoicePaid) Kind() EventKind { return KindInvoicePaid }

// InvoicePaymentFailed marks a missed renewal payment.
type InvoicePaymentFailed struct {
	ID                     string
	ProviderSubscriptionID string
}

func (e InvoicePaymentFailed) EventID() string { return e.ID }
func (e InvoicePaymentFailed) Kind() EventKind { return KindInvoicePaymentFailed }

// SubscriptionCanceled ends the subscription at the provider.
type SubscriptionCanceled struct {
	ID                     string
	ProviderSubscriptionID string
}

func (e SubscriptionCanceled) EventID() string { return e.ID }
func (e SubscriptionCanceled) Kind() EventKind { return KindSubscriptionCanceled }

// Unknown covers event types the machine has no transition for.
type Unknown struct {
	ID      string
	RawType string
}

func (e Unknown) EventID() string { return e.ID }
func (e Unknown) Kind() EventKind { return KindUnknown }
