// Package entitlement decides whether an authenticated principal may
// perform an action against a target account. The capability set is
// computed per request by the identity collaborator and consumed here
// as an opaque input; nothing is cached or persisted.
package entitlement

import (
	"strings"

	"github.com/realisonsdotcom/execution-core/libs/auth"
)

type Action string

const (
	ActionTrade      Action = "trade"
	ActionCancel     Action = "cancel"
	ActionProvision  Action = "provision_credentials"
	ActionReadAudit  Action = "read_audit"
	ActionReadOrders Action = "read_orders"
)

// Capabilities names the claims that gate each action. The base
// capability covers a principal's own account; the elevated one is
// additionally required to act on someone else's.
type Capabilities struct {
	Trade          string
	ManageAccounts string
}

func DefaultCapabilities() Capabilities {
	return Capabilities{
		Trade:          "can.trade",
		ManageAccounts: "can.manage_accounts",
	}
}

type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

type Gate struct {
	caps Capabilities
}

func NewGate(caps Capabilities) *Gate {
	if caps.Trade == "" {
		caps.Trade = DefaultCapabilities().Trade
	}
	if caps.ManageAccounts == "" {
		caps.ManageAccounts = DefaultCapabilities().ManageAccounts
	}
	return &Gate{caps: caps}
}

// Authorize applies the own-account vs. manage-others rule. A denial is
// terminal for the request and is surfaced verbatim to the caller.
func (g *Gate) Authorize(principal auth.Principal, action Action, targetAccountID string) Decision {
	targetAccountID = strings.TrimSpace(targetAccountID)
	if targetAccountID == "" {
		return Deny("target account is required")
	}

	if !principal.HasCapability(g.caps.Trade) {
		return Deny("missing capability " + g.caps.Trade)
	}

	if principal.AccountID == targetAccountID {
		return Allow()
	}

	if !principal.HasCapability(g.caps.ManageAccounts) {
		return Deny("missing capability " + g.caps.ManageAccounts + " for foreign account")
	}
	return Allow()
}
