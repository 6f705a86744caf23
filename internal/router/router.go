// Package router sequences orders through the execution state machine:
// validation, entitlement, credential resolution, broker dispatch with
// bounded retries, and async settlement from venue updates. One order
// id is dispatched at most once.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/realisonsdotcom/execution-core/internal/audit"
	"github.com/realisonsdotcom/execution-core/internal/broker"
	"github.com/realisonsdotcom/execution-core/internal/entitlement"
	"github.com/realisonsdotcom/execution-core/internal/storage"
	"github.com/realisonsdotcom/execution-core/internal/validation"
	"github.com/realisonsdotcom/execution-core/internal/vault"
	"github.com/realisonsdotcom/execution-core/libs/auth"
)

var (
	ErrUnknownBroker  = errors.New("unknown broker")
	ErrCancelTooLate  = errors.New("order already filled at the venue")
	ErrQueueSaturated = errors.New("dispatch lane saturated")
)

// ForbiddenError carries the entitlement gate's deny reason.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }

type OrderStore interface {
	CreateOrder(ctx context.Context, order storage.OrderState) (*storage.OrderState, bool, error)
	GetOrder(ctx context.Context, orderID string) (*storage.OrderState, error)
	TransitionOrder(ctx context.Context, orderID, to string, from ...string) (*storage.OrderState, error)
	RecordDispatchAttempt(ctx context.Context, orderID, lastError string) (int, error)
	MarkAcknowledged(ctx context.Context, orderID, brokerRef string) (*storage.OrderState, error)
	ApplyBrokerUpdate(ctx context.Context, orderID, status string, filledQty decimal.Decimal) (*storage.OrderState, error)
	ListOrders(ctx context.Context, accountID string, filter storage.OrderFilter) ([]storage.OrderState, string, error)
}

// CredentialResolver is the vault surface the router needs.
type CredentialResolver interface {
	Resolve(ctx context.Context, actor, accountID, brokerID string, fn func(*vault.Decrypted) error) error
}

// Publisher emits lifecycle events. May be nil in paper mode.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

type Config struct {
	Retry           RetryPolicy
	LaneBuffer      int
	DispatchTimeout time.Duration
	LifecycleTopic  string
}

type Router struct {
	cfg      Config
	store    OrderStore
	vault    CredentialResolver
	gate     *entitlement.Gate
	registry *broker.Registry
	audit    *audit.Recorder
	events   Publisher
	metrics  *Metrics
	logger   *slog.Logger
	lanes    *laneManager
}

func New(cfg Config, store OrderStore, cv CredentialResolver, gate *entitlement.Gate, registry *broker.Registry, rec *audit.Recorder, events Publisher, m *Metrics, logger *slog.Logger) *Router {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	if cfg.LifecycleTopic == "" {
		cfg.LifecycleTopic = "orders.lifecycle"
	}
	r := &Router{
		cfg:      cfg,
		store:    store,
		vault:    cv,
		gate:     gate,
		registry: registry,
		audit:    rec,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
	r.lanes = newLaneManager(cfg.LaneBuffer, r.runDispatch)
	return r
}

// SubmitRequest is the raw caller payload; quantities and prices stay
// strings until the validator parses them.
type SubmitRequest struct {
	OrderID     string
	AccountID   string
	BrokerID    string
	Instrument  string
	Side        string
	OrderType   string
	Quantity    string
	LimitPrice  string
	TimeInForce string
}

// Submit runs the synchronous half of the pipeline. It returns the
// persisted state and whether this call entered the order into the
// pipeline; created == false means the order id was already claimed.
// Validation, entitlement and credential failures persist a terminal
// rejected state and return the matching error for status mapping.
func (r *Router) Submit(ctx context.Context, principal auth.Principal, req SubmitRequest) (*storage.OrderState, bool, error) {
	adapter, ok := r.registry.Get(req.BrokerID)
	if !ok {
		r.metrics.Submissions.WithLabelValues("unknown_broker").Inc()
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownBroker, req.BrokerID)
	}

	instrument := validation.NormalizeInstrument(req.Instrument)
	side := validation.NormalizeSide(req.Side)
	orderType := validation.NormalizeOrderType(req.OrderType)
	tif := validation.NormalizeTimeInForce(req.TimeInForce)
	verrs := validation.ValidateOrderRequest(req.OrderID, instrument, side, orderType, tif, req.Quantity, req.LimitPrice, adapter.LotSize(instrument))

	// Orders whose idempotency key is unusable never claim state.
	if req.OrderID == "" || req.AccountID == "" {
		r.metrics.Submissions.WithLabelValues("invalid").Inc()
		if len(verrs) == 0 {
			verrs = append(verrs, validation.FieldError{Field: "account_id", Message: "is required"})
		}
		return nil, false, verrs
	}

	quantity, _ := decimal.NewFromString(req.Quantity)
	var limitPrice *decimal.Decimal
	if req.LimitPrice != "" {
		if p, err := decimal.NewFromString(req.LimitPrice); err == nil {
			limitPrice = &p
		}
	}

	state, created, err := r.store.CreateOrder(ctx, storage.OrderState{
		OrderID:        req.OrderID,
		AccountID:      req.AccountID,
		BrokerID:       req.BrokerID,
		Instrument:     instrument,
		Side:           side,
		Type:           orderType,
		LimitPrice:     limitPrice,
		Quantity:       quantity,
		FilledQuantity: decimal.Zero,
		TimeInForce:    tif,
		Status:         storage.OrderStatusReceived,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		r.metrics.Submissions.WithLabelValues("duplicate").Inc()
		return state, false, nil
	}

	r.audit.Record(ctx, audit.Entry{
		OrderID:   state.OrderID,
		AccountID: state.AccountID,
		BrokerID:  state.BrokerID,
		Event:     audit.EventOrderReceived,
		Actor:     principal.UserID,
	})
	r.publishTransition(ctx, state.OrderID, storage.OrderStatusReceived)

	if len(verrs) > 0 {
		state = r.reject(ctx, state.OrderID, principal.UserID, "validation failed", storage.OrderStatusReceived)
		r.metrics.Submissions.WithLabelValues("invalid").Inc()
		return state, true, verrs
	}
	state, err = r.transition(ctx, principal.UserID, state.OrderID, storage.OrderStatusValidated, storage.OrderStatusReceived)
	if err != nil {
		return state, true, err
	}

	if decision := r.gate.Authorize(principal, entitlement.ActionTrade, req.AccountID); !decision.Allowed {
		state = r.reject(ctx, state.OrderID, principal.UserID, decision.Reason, storage.OrderStatusValidated)
		r.metrics.Submissions.WithLabelValues("forbidden").Inc()
		return state, true, &ForbiddenError{Reason: decision.Reason}
	}
	state, err = r.transition(ctx, principal.UserID, state.OrderID, storage.OrderStatusAuthorized, storage.OrderStatusValidated)
	if err != nil {
		return state, true, err
	}

	// Prove the credential resolves before queueing; dispatch acquires
	// it again scoped to each broker call.
	if err := r.vault.Resolve(ctx, principal.UserID, req.AccountID, req.BrokerID, func(*vault.Decrypted) error { return nil }); err != nil {
		state = r.reject(ctx, state.OrderID, principal.UserID, "credential resolution failed", storage.OrderStatusAuthorized)
		r.metrics.Submissions.WithLabelValues("credential_failed").Inc()
		return state, true, err
	}
	state, err = r.transition(ctx, principal.UserID, state.OrderID, storage.OrderStatusCredentialsResolved, storage.OrderStatusAuthorized)
	if err != nil {
		return state, true, err
	}

	if !r.lanes.enqueue(laneJob{orderID: state.OrderID, accountID: state.AccountID, brokerID: state.BrokerID}) {
		state = r.fail(ctx, state.OrderID, "dispatch queue unavailable")
		r.metrics.Submissions.WithLabelValues("saturated").Inc()
		return state, true, ErrQueueSaturated
	}
	r.metrics.LaneDepth.Inc()
	r.metrics.Submissions.WithLabelValues("accepted").Inc()
	return state, true, nil
}

// runDispatch is the lane worker body: one bounded-retry submission of
// a single order.
func (r *Router) runDispatch(job laneJob) {
	defer r.metrics.LaneDepth.Dec()
	ctx := context.Background()

	state, err := r.store.TransitionOrder(ctx, job.orderID, storage.OrderStatusSubmitted, storage.OrderStatusCredentialsResolved)
	if err != nil {
		// Cancelled (or otherwise settled) between queueing and
		// dispatch; nothing to send.
		if !errors.Is(err, storage.ErrInvalidStatus) && !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error("dispatch transition failed", "order_id", job.orderID, "error", err)
		}
		return
	}
	r.metrics.Transitions.WithLabelValues(storage.OrderStatusSubmitted).Inc()
	r.publishTransition(ctx, job.orderID, storage.OrderStatusSubmitted)

	adapter, ok := r.registry.Get(job.brokerID)
	if !ok {
		r.fail(ctx, job.orderID, "broker unregistered")
		return
	}

	attempts := 0
	for {
		ack, err := r.submitOnce(ctx, adapter, state)
		if err == nil {
			r.metrics.DispatchAttempts.Observe(float64(attempts + 1))
			if _, aerr := r.store.MarkAcknowledged(ctx, job.orderID, ack.BrokerRef); aerr != nil {
				r.logger.Error("acknowledge failed", "order_id", job.orderID, "error", aerr)
				return
			}
			r.metrics.Transitions.WithLabelValues(storage.OrderStatusAcknowledged).Inc()
			r.audit.Record(ctx, audit.Entry{
				OrderID:   job.orderID,
				AccountID: job.accountID,
				BrokerID:  job.brokerID,
				Event:     audit.EventOrderTransition,
				Actor:     "router",
				Detail:    "acknowledged broker_ref=" + ack.BrokerRef,
			})
			r.publishTransition(ctx, job.orderID, storage.OrderStatusAcknowledged)
			return
		}

		// The local counter bounds retries; the persisted count is
		// best-effort so a store outage cannot unbound the loop.
		attempts++
		if _, serr := r.store.RecordDispatchAttempt(ctx, job.orderID, err.Error()); serr != nil {
			r.logger.Error("attempt record failed", "order_id", job.orderID, "error", serr)
		}
		r.audit.Record(ctx, audit.Entry{
			OrderID:   job.orderID,
			AccountID: job.accountID,
			BrokerID:  job.brokerID,
			Event:     audit.EventOrderAttempt,
			Actor:     "router",
			Detail:    fmt.Sprintf("attempt=%d transient=%t", attempts, broker.IsTransient(err)),
		})

		if !broker.IsTransient(err) {
			r.metrics.DispatchAttempts.Observe(float64(attempts))
			r.fail(ctx, job.orderID, err.Error())
			return
		}
		if attempts >= r.cfg.Retry.MaxAttempts {
			r.metrics.DispatchAttempts.Observe(float64(attempts))
			r.fail(ctx, job.orderID, "retries exhausted: "+err.Error())
			return
		}
		time.Sleep(r.cfg.Retry.Delay(attempts))
	}
}

// submitOnce resolves the credential scoped to exactly one broker call.
func (r *Router) submitOnce(ctx context.Context, adapter broker.Adapter, state *storage.OrderState) (broker.Ack, error) {
	var ack broker.Ack
	err := r.vault.Resolve(ctx, "router", state.AccountID, state.BrokerID, func(cred *vault.Decrypted) error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
		defer cancel()
		var err error
		ack, err = adapter.Submit(callCtx, broker.OrderRequest{
			OrderID:     state.OrderID,
			AccountID:   state.AccountID,
			Instrument:  state.Instrument,
			Side:        state.Side,
			OrderType:   state.Type,
			Quantity:    state.Quantity,
			LimitPrice:  state.LimitPrice,
			TimeInForce: state.TimeInForce,
		}, cred)
		return err
	})
	return ack, err
}

// Cancel honors caller-initiated cancellation. Before dispatch the
// order settles locally; at or after dispatch the venue's answer is
// authoritative.
func (r *Router) Cancel(ctx context.Context, principal auth.Principal, orderID string) (*storage.OrderState, error) {
	state, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if decision := r.gate.Authorize(principal, entitlement.ActionCancel, state.AccountID); !decision.Allowed {
		return nil, &ForbiddenError{Reason: decision.Reason}
	}

	r.audit.Record(ctx, audit.Entry{
		OrderID:   orderID,
		AccountID: state.AccountID,
		BrokerID:  state.BrokerID,
		Event:     audit.EventOrderCancel,
		Actor:     principal.UserID,
	})

	switch state.Status {
	case storage.OrderStatusReceived, storage.OrderStatusValidated,
		storage.OrderStatusAuthorized, storage.OrderStatusCredentialsResolved:
		updated, err := r.store.TransitionOrder(ctx, orderID, storage.OrderStatusCancelled, state.Status)
		if err != nil {
			return nil, err
		}
		r.metrics.Transitions.WithLabelValues(storage.OrderStatusCancelled).Inc()
		r.publishTransition(ctx, orderID, storage.OrderStatusCancelled)
		return updated, nil

	case storage.OrderStatusSubmitted, storage.OrderStatusAcknowledged, storage.OrderStatusPartiallyFilled:
		if state.BrokerRef == "" {
			return nil, storage.ErrInvalidStatus
		}
		adapter, ok := r.registry.Get(state.BrokerID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, state.BrokerID)
		}
		var ack broker.Ack
		err := r.vault.Resolve(ctx, principal.UserID, state.AccountID, state.BrokerID, func(cred *vault.Decrypted) error {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
			defer cancel()
			var cerr error
			ack, cerr = adapter.Cancel(callCtx, state.BrokerRef, cred)
			return cerr
		})
		if err != nil {
			return nil, err
		}
		if ack.Status == broker.AckStatusTooLate {
			return state, ErrCancelTooLate
		}
		updated, err := r.store.ApplyBrokerUpdate(ctx, orderID, storage.OrderStatusCancelled, state.FilledQuantity)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidStatus) {
				// Not yet acknowledged locally; settle directly.
				return r.store.TransitionOrder(ctx, orderID, storage.OrderStatusCancelled, storage.OrderStatusSubmitted)
			}
			return nil, err
		}
		r.metrics.Transitions.WithLabelValues(storage.OrderStatusCancelled).Inc()
		r.publishTransition(ctx, orderID, storage.OrderStatusCancelled)
		return updated, nil

	default:
		return state, storage.ErrInvalidStatus
	}
}

// BrokerUpdate is an async venue event: a fill, partial fill, or
// venue-side cancel for an acknowledged order.
type BrokerUpdate struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	BrokerRef      string          `json:"broker_ref,omitempty"`
}

func (r *Router) ApplyBrokerUpdate(ctx context.Context, upd BrokerUpdate) error {
	var status string
	switch upd.Status {
	case "filled":
		status = storage.OrderStatusFilled
	case "partially_filled":
		status = storage.OrderStatusPartiallyFilled
	case "cancelled":
		status = storage.OrderStatusCancelled
	default:
		return fmt.Errorf("unknown broker update status %q", upd.Status)
	}

	state, err := r.store.ApplyBrokerUpdate(ctx, upd.OrderID, status, upd.FilledQuantity)
	if err != nil {
		return err
	}
	r.metrics.Transitions.WithLabelValues(status).Inc()
	r.audit.Record(ctx, audit.Entry{
		OrderID:   state.OrderID,
		AccountID: state.AccountID,
		BrokerID:  state.BrokerID,
		Event:     audit.EventOrderTransition,
		Actor:     "broker",
		Detail:    status + " filled_quantity=" + upd.FilledQuantity.String(),
	})
	r.publishTransition(ctx, state.OrderID, status)
	return nil
}

func (r *Router) GetOrder(ctx context.Context, orderID string) (*storage.OrderState, error) {
	return r.store.GetOrder(ctx, orderID)
}

func (r *Router) ListOrders(ctx context.Context, accountID string, filter storage.OrderFilter) ([]storage.OrderState, string, error) {
	return r.store.ListOrders(ctx, accountID, filter)
}

// Close drains the dispatch lanes.
func (r *Router) Close(ctx context.Context) error {
	return r.lanes.Close(ctx)
}

func (r *Router) transition(ctx context.Context, actor, orderID, to string, from ...string) (*storage.OrderState, error) {
	state, err := r.store.TransitionOrder(ctx, orderID, to, from...)
	if err != nil {
		return nil, err
	}
	r.metrics.Transitions.WithLabelValues(to).Inc()
	r.audit.Record(ctx, audit.Entry{
		OrderID:   state.OrderID,
		AccountID: state.AccountID,
		BrokerID:  state.BrokerID,
		Event:     audit.EventOrderTransition,
		Actor:     actor,
		Detail:    to,
	})
	r.publishTransition(ctx, orderID, to)
	return state, nil
}

func (r *Router) reject(ctx context.Context, orderID, actor, reason string, from ...string) *storage.OrderState {
	state, err := r.store.TransitionOrder(ctx, orderID, storage.OrderStatusRejected, from...)
	if err != nil {
		r.logger.Error("reject transition failed", "order_id", orderID, "error", err)
		return nil
	}
	r.metrics.Transitions.WithLabelValues(storage.OrderStatusRejected).Inc()
	r.audit.Record(ctx, audit.Entry{
		OrderID:   state.OrderID,
		AccountID: state.AccountID,
		BrokerID:  state.BrokerID,
		Event:     audit.EventOrderTransition,
		Actor:     actor,
		Detail:    "rejected: " + reason,
	})
	r.publishTransition(ctx, orderID, storage.OrderStatusRejected)
	return state
}

func (r *Router) fail(ctx context.Context, orderID, reason string) *storage.OrderState {
	state, err := r.store.TransitionOrder(ctx, orderID, storage.OrderStatusFailed,
		storage.OrderStatusSubmitted, storage.OrderStatusCredentialsResolved)
	if err != nil {
		r.logger.Error("fail transition failed", "order_id", orderID, "error", err)
		return nil
	}
	r.metrics.Transitions.WithLabelValues(storage.OrderStatusFailed).Inc()
	r.audit.Record(ctx, audit.Entry{
		OrderID:   state.OrderID,
		AccountID: state.AccountID,
		BrokerID:  state.BrokerID,
		Event:     audit.EventOrderTransition,
		Actor:     "router",
		Detail:    "failed: " + reason,
	})
	r.publishTransition(ctx, orderID, storage.OrderStatusFailed)
	return state
}
