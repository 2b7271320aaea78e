// Package billing reconciles account entitlements with billing-provider events.
//
// An event is verified, parsed and then applied. Applying records the event id
// and resets the plan in one store transaction, so redelivery of the same event
// is a no-op and a failure leaves neither the record nor the reset behind.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/cache"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/ledger"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/internal/tracing"
	"github.com/linolazarous/app/pkg/models"
)

// Store applies an event and its entitlement change atomically
type Store interface {
	ApplyBillingEvent(ctx context.Context, event *models.BillingEvent) (models.EventOutcome, *models.Balance, error)
}

// Archiver keeps a copy of verified payloads
type Archiver interface {
	ArchiveEvent(ctx context.Context, event *models.BillingEvent) error
}

// Publisher hands verified events to the worker
type Publisher interface {
	PublishBillingEvent(ctx context.Context, event *models.BillingEvent) error
}

// Locker serialises work on one account across workers
type Locker interface {
	WaitLock(ctx context.Context, resource string, ttl, poll time.Duration) (*cache.Lock, error)
	ReleaseLock(ctx context.Context, lock *cache.Lock) error
}

// Config holds verification settings
type Config struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	LockTTL            time.Duration
}

// Result is what happened to one event
type Result struct {
	EventID string              `json:"event_id"`
	Type    string              `json:"type"`
	Outcome models.EventOutcome `json:"outcome"`
	Balance *models.Balance     `json:"balance,omitempty"`
}

// Reconciler turns billing events into plan changes
type Reconciler struct {
	store     Store
	plans     *catalog.Catalog
	resetter  ledger.Resetter
	cfg       Config
	logger    *logging.Logger
	archiver  Archiver
	publisher Publisher
	locker    Locker
	now       func() time.Time
}

// Option customises a Reconciler
type Option func(*Reconciler)

// WithArchiver archives every verified payload
func WithArchiver(a Archiver) Option {
	return func(r *Reconciler) { r.archiver = a }
}

// WithPublisher makes Handle enqueue events instead of applying them
func WithPublisher(p Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// WithLocker takes a per-account lock around Apply
func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithClock overrides the time source used for signature tolerance
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler
func NewReconciler(store Store, plans *catalog.Catalog, resetter ledger.Resetter, cfg Config, logger *logging.Logger, opts ...Option) *Reconciler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	r := &Reconciler{
		store:    store,
		plans:    plans,
		resetter: resetter,
		cfg:      cfg,
		logger:   logger.WithComponent("billing"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle verifies, parses and applies (or enqueues) one webhook delivery.
// A bad signature or payload is rejected and must not be retried by the
// provider with the same body.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	span, ctx := tracing.StartSpan(ctx, "billing.handle")
	defer tracing.FinishSpan(span)
	start := time.Now()

	if err := VerifySignature(payload, signature, r.cfg.WebhookSecret, r.cfg.SignatureTolerance, r.now()); err != nil {
		tracing.LogError(span, err)
		metrics.RecordBillingEvent("unknown", string(models.EventRejected), time.Since(start).Seconds())
		r.logger.LogWebhookEvent("", "", "", string(models.EventRejected), err)
		return nil, err
	}

	event, err := ParseEvent(payload, r.plans)
	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordBillingEvent("unknown", string(models.EventRejected), time.Since(start).Seconds())
		r.logger.LogWebhookEvent("", "", "", string(models.EventRejected), err)
		return nil, err
	}
	tracing.SetTag(span, "event.id", event.ID)
	tracing.SetTag(span, "event.type", event.Type)

	r.archive(ctx, event)

	if event.Transition == models.TransitionNone {
		metrics.RecordBillingEvent(event.Type, string(models.EventIgnored), time.Since(start).Seconds())
		r.logger.LogWebhookEvent(event.ID, event.Type, "", string(models.EventIgnored), nil)
		return &Result{EventID: event.ID, Type: event.Type, Outcome: models.EventIgnored}, nil
	}

	if r.publisher != nil {
		if err := r.publisher.PublishBillingEvent(ctx, event); err != nil {
			tracing.LogError(span, err)
			r.logger.LogWebhookEvent(event.ID, event.Type, event.AccountID, "publish_failed", err)
			return nil, apperr.Internal(err, "failed to enqueue billing event")
		}
		metrics.RecordBillingEvent(event.Type, string(models.EventQueued), time.Since(start).Seconds())
		r.logger.LogWebhookEvent(event.ID, event.Type, event.AccountID, string(models.EventQueued), nil)
		return &Result{EventID: event.ID, Type: event.Type, Outcome: models.EventQueued}, nil
	}

	return r.Apply(ctx, event)
}

// Apply records the event and performs its entitlement change. Duplicates
// and events older than the last applied one change nothing.
func (r *Reconciler) Apply(ctx context.Context, event *models.BillingEvent) (*Result, error) {
	span, ctx := tracing.StartAccountSpan(ctx, "billing.apply", event.AccountID)
	defer tracing.FinishSpan(span)
	start := time.Now()

	if event.Transition == models.TransitionNone {
		return &Result{EventID: event.ID, Type: event.Type, Outcome: models.EventIgnored}, nil
	}

	if r.locker != nil {
		lock, err := r.locker.WaitLock(ctx, "billing:account:"+event.AccountID, r.cfg.LockTTL, 50*time.Millisecond)
		if err != nil {
			tracing.LogError(span, err)
			return nil, apperr.Internal(err, "failed to lock account for billing event")
		}
		defer func() {
			if err := r.locker.ReleaseLock(context.Background(), lock); err != nil {
				r.logger.WithError(err).Warn("failed to release billing lock")
			}
		}()
	}

	outcome, balance, err := r.store.ApplyBillingEvent(ctx, event)
	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordBillingEvent(event.Type, "error", time.Since(start).Seconds())
		r.logger.LogWebhookEvent(event.ID, event.Type, event.AccountID, "error", err)
		return nil, err
	}

	metrics.RecordBillingEvent(event.Type, string(outcome), time.Since(start).Seconds())
	r.logger.LogWebhookEvent(event.ID, event.Type, event.AccountID, string(outcome), nil)
	return &Result{EventID: event.ID, Type: event.Type, Outcome: outcome, Balance: balance}, nil
}

// Replay applies an archived payload again. Its signature was checked when
// it was archived.
func (r *Reconciler) Replay(ctx context.Context, payload []byte) (*Result, error) {
	event, err := ParseEvent(payload, r.plans)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, event)
}

// OverridePlan moves an account to tier outside the billing provider, for
// support and admin corrections. The allowance comes from the catalog and
// credits_used is zeroed.
func (r *Reconciler) OverridePlan(ctx context.Context, accountID string, tier models.PlanTier) (*models.Balance, error) {
	plan, ok := r.plans.Get(tier)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("plan %q is not in the catalog", tier))
	}

	balance, err := r.resetter.ResetOnPlanChange(ctx, accountID, plan.Tier, plan.Credits)
	if err != nil {
		return nil, err
	}
	r.logger.WithAccountID(accountID).WithField("plan", plan.Tier).Info("plan overridden")
	return balance, nil
}

func (r *Reconciler) archive(ctx context.Context, event *models.BillingEvent) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.ArchiveEvent(ctx, event); err != nil {
		metrics.RecordError("billing", "archive")
		r.logger.WithEventID(event.ID).WithError(err).Warn("failed to archive billing event")
	}
}
