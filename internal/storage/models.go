package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle statuses. An order moves strictly forward through the
// pipeline statuses; the terminal set never transitions again except
// acknowledged, which later settles via broker updates.
const (
	OrderStatusReceived            = "received"
	OrderStatusValidated           = "validated"
	OrderStatusAuthorized          = "authorized"
	OrderStatusCredentialsResolved = "credentials_resolved"
	OrderStatusSubmitted           = "submitted"
	OrderStatusAcknowledged        = "acknowledged"
	OrderStatusRejected            = "rejected"
	OrderStatusFailed              = "failed"
	OrderStatusFilled              = "filled"
	OrderStatusPartiallyFilled     = "partially_filled"
	OrderStatusCancelled           = "cancelled"
)

// IsTerminal reports whether a status never transitions again.
func IsTerminal(status string) bool {
	switch status {
	case OrderStatusRejected, OrderStatusFailed, OrderStatusFilled, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderState is the persisted record of one order, keyed by the
// client-supplied order id (the idempotency key).
type OrderState struct {
	OrderID        string
	AccountID      string
	BrokerID       string
	Instrument     string
	Side           string
	Type           string
	LimitPrice     *decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	TimeInForce    string
	Status         string
	AttemptCount   int
	BrokerRef      string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OrderFilter struct {
	BrokerID string
	Status   string
	From     *time.Time
	To       *time.Time
	Cursor   string
	Limit    int
}
