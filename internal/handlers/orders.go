// Package handlers is the HTTP surface of the execution core: order
// submission, status, cancellation, credential provisioning and audit
// queries.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/realisonsdotcom/execution-core/internal/audit"
	"github.com/realisonsdotcom/execution-core/internal/entitlement"
	"github.com/realisonsdotcom/execution-core/internal/rate"
	"github.com/realisonsdotcom/execution-core/internal/router"
	"github.com/realisonsdotcom/execution-core/internal/storage"
	"github.com/realisonsdotcom/execution-core/internal/validation"
	"github.com/realisonsdotcom/execution-core/internal/vault"
	"github.com/realisonsdotcom/execution-core/libs/auth"
)

type OrderRouter interface {
	Submit(ctx context.Context, principal auth.Principal, req router.SubmitRequest) (*storage.OrderState, bool, error)
	Cancel(ctx context.Context, principal auth.Principal, orderID string) (*storage.OrderState, error)
	GetOrder(ctx context.Context, orderID string) (*storage.OrderState, error)
	ListOrders(ctx context.Context, accountID string, filter storage.OrderFilter) ([]storage.OrderState, string, error)
}

type CredentialVault interface {
	Store(ctx context.Context, actor, accountID, brokerID string, payload vault.Payload) error
}

type AuditQuerier interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

type Handler struct {
	Router  OrderRouter
	Vault   CredentialVault
	Audit   AuditQuerier
	Gate    *entitlement.Gate
	Limiter rate.Limiter
	Logger  *slog.Logger
}

func New(r OrderRouter, v CredentialVault, a AuditQuerier, gate *entitlement.Gate, limiter rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Router: r, Vault: v, Audit: a, Gate: gate, Limiter: limiter, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/orders", h.SubmitOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.DELETE("/orders/:id", h.CancelOrder)
	group.POST("/credentials", h.StoreCredential)
	group.GET("/audit", h.QueryAudit)
}

type submitOrderRequest struct {
	OrderID     string `json:"order_id"`
	AccountID   string `json:"account_id"`
	BrokerID    string `json:"broker_id"`
	Instrument  string `json:"instrument"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Quantity    string `json:"quantity"`
	LimitPrice  string `json:"limit_price"`
	TimeInForce string `json:"time_in_force"`
}

type orderResponse struct {
	OrderID      string  `json:"order_id"`
	AccountID    string  `json:"account_id"`
	BrokerID     string  `json:"broker_id"`
	Instrument   string  `json:"instrument"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	LimitPrice   *string `json:"limit_price,omitempty"`
	Quantity     string  `json:"quantity"`
	Filled       string  `json:"filled_quantity"`
	Status       string  `json:"status"`
	TimeInForce  string  `json:"time_in_force"`
	AttemptCount int     `json:"attempt_count"`
	BrokerRef    string  `json:"broker_ref,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type listOrdersResponse struct {
	Orders     []orderResponse `json:"orders"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Reasons []string                `json:"reasons,omitempty"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
	Details map[string]string       `json:"details,omitempty"`
}

func (h *Handler) SubmitOrder(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal", nil, nil, nil)
		return
	}

	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = principal.AccountID
	}

	if h.Limiter != nil {
		decision, err := h.Limiter.Allow(c.Request.Context(), accountID)
		if err != nil {
			h.Logger.Error("rate limiter unavailable", "error", err)
		} else if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)+1))
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "submission rate exceeded", nil, nil, nil)
			return
		}
	}

	state, created, err := h.Router.Submit(c.Request.Context(), principal, router.SubmitRequest{
		OrderID:     strings.TrimSpace(req.OrderID),
		AccountID:   accountID,
		BrokerID:    strings.TrimSpace(req.BrokerID),
		Instrument:  req.Instrument,
		Side:        strings.ToLower(strings.TrimSpace(req.Side)),
		OrderType:   strings.ToLower(strings.TrimSpace(req.OrderType)),
		Quantity:    strings.TrimSpace(req.Quantity),
		LimitPrice:  strings.TrimSpace(req.LimitPrice),
		TimeInForce: req.TimeInForce,
	})
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}
	if !created {
		// Duplicate order id: idempotent short-circuit with the
		// existing state.
		c.JSON(http.StatusConflict, orderToResponse(*state))
		return
	}
	c.JSON(http.StatusAccepted, orderToResponse(*state))
}

func (h *Handler) writeSubmitError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	var forbidden *router.ForbiddenError
	switch {
	case errors.As(err, &verrs):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid order", nil, verrs, nil)
	case errors.As(err, &forbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", forbidden.Reason, nil, nil, nil)
	case errors.Is(err, vault.ErrCredentialNotFound):
		writeError(c, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "no broker credential linked for this account", nil, nil, nil)
	case errors.Is(err, vault.ErrDecryptionFailed), errors.Is(err, vault.ErrKeyRotationRequired):
		writeError(c, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "broker credential must be re-linked", nil, nil, nil)
	case errors.Is(err, router.ErrUnknownBroker):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "unknown broker", nil,
			[]validation.FieldError{{Field: "broker_id", Message: "is not a registered broker"}}, nil)
	case errors.Is(err, router.ErrQueueSaturated):
		writeError(c, http.StatusBadGateway, "DISPATCH_UNAVAILABLE", "order could not be dispatched", nil, nil, nil)
	default:
		h.Logger.Error("submit order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
	}
}

func (h *Handler) GetOrder(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal", nil, nil, nil)
		return
	}
	orderID := strings.TrimSpace(c.Param("id"))
	if orderID == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing order id", nil, nil, nil)
		return
	}

	state, err := h.Router.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil, nil, nil)
			return
		}
		h.Logger.Error("get order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}
	if decision := h.Gate.Authorize(principal, entitlement.ActionReadOrders, state.AccountID); !decision.Allowed {
		writeError(c, http.StatusForbidden, "FORBIDDEN", decision.Reason, nil, nil, nil)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(*state))
}

func (h *Handler) ListOrders(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal", nil, nil, nil)
		return
	}

	accountID := strings.TrimSpace(c.Query("account_id"))
	if accountID == "" {
		accountID = principal.AccountID
	}
	if decision := h.Gate.Authorize(principal, entitlement.ActionReadOrders, accountID); !decision.Allowed {
		writeError(c, http.StatusForbidden, "FORBIDDEN", decision.Reason, nil, nil, nil)
		return
	}

	filter := storage.OrderFilter{
		BrokerID: strings.TrimSpace(c.Query("broker_id")),
		Status:   strings.ToLower(strings.TrimSpace(c.Query("status"))),
		Cursor:   strings.TrimSpace(c.Query("cursor")),
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil, nil, nil)
			return
		}
		filter.Limit = n
	}

	orders, nextCursor, err := h.Router.ListOrders(c.Request.Context(), accountID, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil, nil, nil)
			return
		}
		h.Logger.Error("list orders failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		items = append(items, orderToResponse(o))
	}
	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, NextCursor: nextCursor})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal", nil, nil, nil)
		return
	}
	orderID := strings.TrimSpace(c.Param("id"))
	if orderID == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing order id", nil, nil, nil)
		return
	}

	state, err := h.Router.Cancel(c.Request.Context(), principal, orderID)
	if err != nil {
		var forbidden *router.ForbiddenError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil, nil, nil)
		case errors.As(err, &forbidden):
			writeError(c, http.StatusForbidden, "FORBIDDEN", forbidden.Reason, nil, nil, nil)
		case errors.Is(err, router.ErrCancelTooLate):
			writeError(c, http.StatusConflict, "TOO_LATE", "order already filled at the venue", nil, nil, nil)
		case errors.Is(err, storage.ErrInvalidStatus):
			writeError(c, http.StatusConflict, "NOT_CANCELLABLE", "order is not cancellable in its current state", nil, nil, nil)
		default:
			h.Logger.Error("cancel order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		}
		return
	}
	c.JSON(http.StatusOK, orderToResponse(*state))
}

func orderToResponse(o storage.OrderState) orderResponse {
	var price *string
	if o.LimitPrice != nil {
		val := o.LimitPrice.String()
		price = &val
	}
	return orderResponse{
		OrderID:      o.OrderID,
		AccountID:    o.AccountID,
		BrokerID:     o.BrokerID,
		Instrument:   o.Instrument,
		Side:         o.Side,
		Type:         o.Type,
		LimitPrice:   price,
		Quantity:     o.Quantity.String(),
		Filled:       o.FilledQuantity.String(),
		Status:       o.Status,
		TimeInForce:  o.TimeInForce,
		AttemptCount: o.AttemptCount,
		BrokerRef:    o.BrokerRef,
		LastError:    o.LastError,
		CreatedAt:    o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeError(c *gin.Context, status int, code, message string, reasons []string, fields []validation.FieldError, details map[string]string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Reasons: reasons,
		Fields:  fields,
		Details: details,
	})
}
