package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/realisonsdotcom/execution-core/internal/audit"
	"github.com/realisonsdotcom/execution-core/internal/entitlement"
	"github.com/realisonsdotcom/execution-core/internal/validation"
	"github.com/realisonsdotcom/execution-core/internal/vault"
	"github.com/realisonsdotcom/execution-core/libs/auth"
)

// Plaintext keys arrive only in the request body of this endpoint;
// they are never accepted via query parameters and never echoed back.
type storeCredentialRequest struct {
	AccountID string            `json:"account_id"`
	BrokerID  string            `json:"broker_id"`
	Fields    map[string]string `json:"fields"`
}

func (h *Handler) StoreCredential(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal", nil, nil, nil)
		return
	}

	var req storeCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = principal.AccountID
	}
	brokerID := strings.TrimSpace(req.BrokerID)
	if brokerID == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid credential", nil,
			[]validation.FieldError{{Field: "broker_id", Message: "is required"}}, nil)
		return
	}

	if decision := h.Gate.Authorize(principal, entitlement.ActionProvision, accountID); !decision.Allowed {
		writeError(c, http.StatusForbidden, "FORBIDDEN", decision.Reason, nil, nil, nil)
		return
	}

	err := h.Vault.Store(c.Request.Context(), principal.UserID, accountID, brokerID, vault.Payload(req.Fields))
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrUnknownBroker):
			writeError(c, http.StatusNotFound, "BROKER_NOT_FOUND", "unknown broker", nil, nil, nil)
		case errors.Is(err, vault.ErrInvalidCredentialFormat):
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil, nil, nil)
		default:
			h.Logger.Error("store credential failed", "account_id", accountID, "broker_id", brokerID, "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account_id": accountID,
		"broker_id":  brokerID,
		"status":     "stored",
	})
}

func (h *Handler) QueryAudit(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal", nil, nil, nil)
		return
	}

	orderID := strings.TrimSpace(c.Query("order_id"))
	accountID := strings.TrimSpace(c.Query("account_id"))
	if orderID == "" && accountID == "" {
		accountID = principal.AccountID
	}

	// Order-scoped queries resolve the owning account before the
	// entitlement check.
	scopeAccount := accountID
	if orderID != "" {
		state, err := h.Router.GetOrder(c.Request.Context(), orderID)
		if err == nil {
			scopeAccount = state.AccountID
		}
	}
	if decision := h.Gate.Authorize(principal, entitlement.ActionReadAudit, scopeAccount); !decision.Allowed {
		writeError(c, http.StatusForbidden, "FORBIDDEN", decision.Reason, nil, nil, nil)
		return
	}

	entries, err := h.Audit.Query(c.Request.Context(), audit.Filter{OrderID: orderID, AccountID: accountID})
	if err != nil {
		h.Logger.Error("audit query failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	type auditItem struct {
		ID        string `json:"id"`
		OrderID   string `json:"order_id,omitempty"`
		AccountID string `json:"account_id,omitempty"`
		BrokerID  string `json:"broker_id,omitempty"`
		Event     string `json:"event"`
		Actor     string `json:"actor,omitempty"`
		Detail    string `json:"detail,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	items := make([]auditItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, auditItem{
			ID:        e.ID.String(),
			OrderID:   e.OrderID,
			AccountID: e.AccountID,
			BrokerID:  e.BrokerID,
			Event:     e.Event,
			Actor:     e.Actor,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": items})
}
