package stripewebhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/subscription"

	"github.com/vitaflow/vitaflow-backend/internal/entitlements"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
	pkgstripe "github.com/vitaflow/vitaflow-backend/pkg/stripe"
)

// SubscriptionFetcher exposes the subset of Stripe operations the translator
// needs; webhook payloads carry ids, not billing periods.
type SubscriptionFetcher interface {
	Get(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type fetcherWrapper struct{}

// NewSubscriptionFetcher wraps the initialized Stripe client so the service
// can be tested with a stub.
func NewSubscriptionFetcher(api *pkgstripe.Client) SubscriptionFetcher {
	if api == nil {
		return nil
	}
	return &fetcherWrapper{}
}

func (w *fetcherWrapper) Get(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if params == nil {
		params = &stripe.SubscriptionParams{}
	}
	params.Context = ctx
	return subscription.Get(id, params)
}

type eventApplier interface {
	Apply(ctx context.Context, event entitlements.Event) error
}

type ServiceParams struct {
	Machine eventApplier
	Fetcher SubscriptionFetcher
	Logger  *logger.Logger
}

// Service translates verified Stripe events into the closed internal event
// set and forwards them to the entitlement state machine.
type Service struct {
	machine eventApplier
	fetcher SubscriptionFetcher
	logg    *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Machine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "entitlement machine required")
	}
	if params.Fetcher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe subscription fetcher required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		machine: params.Machine,
		fetcher: params.Fetcher,
		logg:    params.Logger,
	}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	translated, err := s.translate(ctx, event)
	if err != nil {
		return err
	}
	return s.machine.Apply(ctx, translated)
}

func (s *Service) translate(ctx context.Context, event *stripe.Event) (entitlements.Event, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return s.translateCheckout(ctx, event)
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		// Stripe emits both names for a settled invoice; accounts with only
		// one of them enabled must still renew.
		return s.translateInvoicePaid(ctx, event)
	case stripe.EventTypeInvoicePaymentFailed:
		subscriptionID := invoiceSubscriptionID(event)
		if subscriptionID == "" {
			// One-off invoices carry no subscription; nothing to transition.
			return entitlements.Unknown{ID: event.ID, RawType: string(event.Type)}, nil
		}
		return entitlements.InvoicePaymentFailed{
			ID:                     event.ID,
			ProviderSubscriptionID: subscriptionID,
		}, nil
	case stripe.EventTypeCustomerSubscriptionDeleted:
		var stripeSub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription event")
		}
		if stripeSub.ID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
		}
		return entitlements.SubscriptionCanceled{
			ID:                     event.ID,
			ProviderSubscriptionID: stripeSub.ID,
		}, nil
	default:
		return entitlements.Unknown{ID: event.ID, RawType: string(event.Type)}, nil
	}
}

func (s *Service) translateCheckout(ctx context.Context, event *stripe.Event) (entitlements.Event, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
	}

	userRaw := session.Metadata["user_id"]
	if userRaw == "" {
		userRaw = session.ClientReferenceID
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session is missing the user id")
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session is missing the subscription id")
	}

	stripeSub, err := s.fetcher.Get(ctx, session.Subscription.ID, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch stripe subscription")
	}

	var customerID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	return entitlements.CheckoutCompleted{
		ID:                     event.ID,
		UserID:                 userID,
		ProviderSubscriptionID: stripeSub.ID,
		ProviderCustomerID:     customerID,
		PlanTier:               tierFromMetadata(session.Metadata),
		Trialing:               stripeSub.Status == stripe.SubscriptionStatusTrialing,
		PeriodEnd:              periodEndFromSubscription(stripeSub),
	}, nil
}

func (s *Service) translateInvoicePaid(ctx context.Context, event *stripe.Event) (entitlements.Event, error) {
	subscriptionID := invoiceSubscriptionID(event)
	if subscriptionID == "" {
		return entitlements.Unknown{ID: event.ID, RawType: string(event.Type)}, nil
	}

	stripeSub, err := s.fetcher.Get(ctx, subscriptionID, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch stripe subscription")
	}

	return entitlements.InvoicePaid{
		ID:                     event.ID,
		ProviderSubscriptionID: subscriptionID,
		PeriodEnd:              periodEndFromSubscription(stripeSub),
	}, nil
}

// invoiceSubscriptionID digs the subscription id out of an invoice payload.
// Older API versions put it at the top level, newer ones nest it under
// parent.subscription_details.
func invoiceSubscriptionID(event *stripe.Event) string {
	obj := event.Data.Object
	if obj == nil {
		return ""
	}
	if id, ok := obj["subscription"].(string); ok && id != "" {
		return id
	}
	parent, ok := obj["parent"].(map[string]interface{})
	if !ok {
		return ""
	}
	details, ok := parent["subscription_details"].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := details["subscription"].(string)
	return id
}

// tierFromMetadata reads the purchased tier off the checkout metadata the
// billing frontend stamps. Checkout only sells paid tiers, so pro is the
// floor when the metadata is absent.
func tierFromMetadata(metadata map[string]string) enums.PlanTier {
	if raw, ok := metadata["plan_tier"]; ok {
		if tier, err := enums.ParsePlanTier(raw); err == nil {
			return tier
		}
	}
	return enums.PlanTierPro
}

func periodEndFromSubscription(sub *stripe.Subscription) time.Time {
	if sub == nil {
		return time.Time{}
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		if ts := sub.Items.Data[0].CurrentPeriodEnd; ts != 0 {
			return time.Unix(ts, 0).UTC()
		}
	}
	if sub.TrialEnd != 0 {
		return time.Unix(sub.TrialEnd, 0).UTC()
	}
	return time.Time{}
}
