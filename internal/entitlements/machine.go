package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	"github.com/vitaflow/vitaflow-backend/pkg/enums"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

// processedEventCap bounds the per-row replay ring. Providers retry webhooks
// for days, not months, so the newest hundred ids are plenty.
const processedEventCap = 100

const casRetryDelay = 25 * time.Millisecond

// Machine applies verified billing events to subscription rows. All state
// changes funnel through Apply or ExpireIfLapsed; nothing else writes the
// state column.
type Machine struct {
	store Store
	logg  *logger.Logger
	cfg   config.EntitlementsConfig
	now   func() time.Time
}

type MachineParams struct {
	Store  Store
	Logger *logger.Logger
	Config config.EntitlementsConfig
	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewMachine(params MachineParams) (*Machine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Config.WriteAttempts <= 0 {
		params.Config.WriteAttempts = 3
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{
		store: params.Store,
		logg:  params.Logger,
		cfg:   params.Config,
		now:   params.Now,
	}, nil
}

// Apply runs one event through the transition table. Replays and out-of-order
// events resolve to a successful no-op so the provider never re-delivers
// them. Version conflicts are retried a bounded number of times; the residual
// conflict surfaces as CodeConflict for the caller to map to a retryable
// response.
func (m *Machine) Apply(ctx context.Context, event Event) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "billing event is required")
	}
	if unknown, ok := event.(Unknown); ok {
		ctx = m.logg.WithFields(ctx, map[string]any{
			"event_id":   unknown.ID,
			"event_type": unknown.RawType,
		})
		m.logg.Warn(ctx, "dropping unrecognized billing event")
		return nil
	}
	ctx = m.logg.WithFields(ctx, map[string]any{
		"event_id":   event.EventID(),
		"event_kind": string(event.Kind()),
	})
	return m.withWriteRetry(ctx, func(ctx context.Context) error {
		return m.applyOnce(ctx, event)
	})
}

func (m *Machine) withWriteRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(m.cfg.WriteAttempts-1), retry.NewConstant(casRetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (m *Machine) applyOnce(ctx context.Context, event Event) error {
	switch ev := event.(type) {
	case CheckoutCompleted:
		return m.applyCheckout(ctx, ev)
	case InvoicePaid:
		return m.applyInvoicePaid(ctx, ev)
	case InvoicePaymentFailed:
		return m.applyPaymentFailed(ctx, ev)
	case SubscriptionCanceled:
		return m.applyCanceled(ctx, ev)
	default:
		m.logg.Warn(ctx, "dropping billing event with no transition")
		return nil
	}
}

func (m *Machine) applyCheckout(ctx context.Context, ev CheckoutCompleted) error {
	if ev.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "checkout event is missing the user id")
	}
	if ev.ProviderSubscriptionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "checkout event is missing the provider subscription id")
	}
	if !ev.PlanTier.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "checkout event carries an unknown plan tier")
	}

	sub, err := m.store.Get(ctx, ev.UserID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		seed := &models.Subscription{
			ID:       uuid.New(),
			UserID:   ev.UserID,
			State:    enums.SubscriptionStateNone,
			PlanTier: enums.PlanTierFree,
		}
		if createErr := m.store.Create(ctx, seed); createErr != nil {
			return createErr
		}
		sub = seed
	} else if err != nil {
		return err
	}

	if sub.ProcessedEventIDs.Contains(ev.ID) {
		m.logg.Info(ctx, "billing event already applied")
		return nil
	}
	if ev.PeriodEnd.IsZero() {
		m.logg.Warn(ctx, "dropping checkout without a billing period")
		return m.commit(ctx, sub, ev.ID)
	}
	if stale(sub, ev.PeriodEnd) {
		m.logg.Warn(ctx, "dropping checkout with stale billing period")
		return m.commit(ctx, sub, ev.ID)
	}

	switch sub.State {
	case enums.SubscriptionStateNone, enums.SubscriptionStateCanceled, enums.SubscriptionStateExpired:
		// A finished subscription only restarts through a fresh provider
		// subscription; a re-delivered checkout for the old one is a no-op.
		if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == ev.ProviderSubscriptionID {
			m.logg.Warn(ctx, "dropping checkout for an already finished subscription")
			return m.commit(ctx, sub, ev.ID)
		}
	default:
		m.logg.Warn(ctx, "dropping checkout while subscription is live")
		return m.commit(ctx, sub, ev.ID)
	}

	providerSubID := ev.ProviderSubscriptionID
	sub.ProviderSubscriptionID = &providerSubID
	if ev.ProviderCustomerID != "" {
		customerID := ev.ProviderCustomerID
		sub.ProviderCustomerID = &customerID
	}
	sub.PlanTier = ev.PlanTier
	periodEnd := ev.PeriodEnd.UTC()
	sub.CurrentPeriodEnd = &periodEnd
	sub.CanceledAt = nil
	if ev.Trialing {
		sub.State = enums.SubscriptionStateTrialing
	} else {
		sub.State = enums.SubscriptionStateActive
	}
	return m.commit(ctx, sub, ev.ID)
}

func (m *Machine) applyInvoicePaid(ctx context.Context, ev InvoicePaid) error {
	sub, err := m.resolveByProvider(ctx, ev.ProviderSubscriptionID)
	if err != nil || sub == nil {
		return err
	}
	if sub.ProcessedEventIDs.Contains(ev.ID) {
		m.logg.Info(ctx, "billing event already applied")
		return nil
	}
	if ev.PeriodEnd.IsZero() {
		m.logg.Warn(ctx, "dropping paid invoice without a billing period")
		return m.commit(ctx, sub, ev.ID)
	}
	if stale(sub, ev.PeriodEnd) {
		m.logg.Warn(ctx, "dropping paid invoice with stale billing period")
		return m.commit(ctx, sub, ev.ID)
	}

	switch sub.State {
	case enums.SubscriptionStateTrialing, enums.SubscriptionStateActive, enums.SubscriptionStatePastDue:
		sub.State = enums.SubscriptionStateActive
		periodEnd := ev.PeriodEnd.UTC()
		sub.CurrentPeriodEnd = &periodEnd
	default:
		m.logg.Warn(ctx, "dropping paid invoice for a finished subscription")
	}
	return m.commit(ctx, sub, ev.ID)
}

func (m *Machine) applyPaymentFailed(ctx context.Context, ev InvoicePaymentFailed) error {
	sub, err := m.resolveByProvider(ctx, ev.ProviderSubscriptionID)
	if err != nil || sub == nil {
		return err
	}
	if sub.ProcessedEventIDs.Contains(ev.ID) {
		m.logg.Info(ctx, "billing event already applied")
		return nil
	}

	if sub.State == enums.SubscriptionStateActive {
		sub.State = enums.SubscriptionStatePastDue
	} else {
		m.logg.Warn(ctx, "dropping failed invoice outside the active state")
	}
	return m.commit(ctx, sub, ev.ID)
}

func (m *Machine) applyCanceled(ctx context.Context, ev SubscriptionCanceled) error {
	sub, err := m.resolveByProvider(ctx, ev.ProviderSubscriptionID)
	if err != nil || sub == nil {
		return err
	}
	if sub.ProcessedEventIDs.Contains(ev.ID) {
		m.logg.Info(ctx, "billing event already applied")
		return nil
	}

	if sub.State.IsTerminal() || sub.State == enums.SubscriptionStateNone {
		m.logg.Warn(ctx, "dropping cancellation for a finished subscription")
	} else {
		canceledAt := m.now()
		sub.State = enums.SubscriptionStateCanceled
		sub.CanceledAt = &canceledAt
	}
	return m.commit(ctx, sub, ev.ID)
}

// ExpireIfLapsed moves a past-due subscription to expired once the grace
// window after the paid period has elapsed. Safe to call repeatedly; any
// other state is a no-op.
func (m *Machine) ExpireIfLapsed(ctx context.Context, userID uuid.UUID) error {
	ctx = m.logg.WithUserID(ctx, userID.String())
	return m.withWriteRetry(ctx, func(ctx context.Context) error {
		sub, err := m.store.Get(ctx, userID)
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sub.State != enums.SubscriptionStatePastDue || sub.CurrentPeriodEnd == nil {
			return nil
		}
		deadline := sub.CurrentPeriodEnd.Add(m.cfg.GracePeriod)
		if m.now().Before(deadline) {
			return nil
		}
		sub.State = enums.SubscriptionStateExpired
		if err := m.store.UpdateCAS(ctx, sub); err != nil {
			return err
		}
		m.logg.Info(ctx, "subscription expired after grace period")
		return nil
	})
}

func (m *Machine) resolveByProvider(ctx context.Context, providerID string) (*models.Subscription, error) {
	if providerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "billing event is missing the provider subscription id")
	}
	sub, err := m.store.FindByProviderID(ctx, providerID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		// Events can race the checkout that creates the row; the provider
		// will re-deliver after its retry backoff.
		m.logg.Warn(ctx, "dropping billing event for unknown provider subscription")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Machine) commit(ctx context.Context, sub *models.Subscription, eventID string) error {
	sub.ProcessedEventIDs = sub.ProcessedEventIDs.Append(eventID, processedEventCap)
	return m.store.UpdateCAS(ctx, sub)
}

// stale reports whether the event's billing period predates what the row
// already holds. Latest period wins regardless of delivery order.
func stale(sub *models.Subscription, periodEnd time.Time) bool {
	if sub.CurrentPeriodEnd == nil || periodEnd.IsZero() {
		return false
	}
	return periodEnd.Before(*sub.CurrentPeriodEnd)
}
