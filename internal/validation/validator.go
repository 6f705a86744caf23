package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid order"
}

// Sides, order types and time-in-force values accepted by the contract.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"
	TypeStop   = "stop"
)

var allowedTIF = map[string]struct{}{
	"DAY": {},
	"GTC": {},
	"IOC": {},
	"FOK": {},
}

// ValidateOrderRequest checks a submitted order against the algo-order
// contract. A violation is terminal for the order; nothing here is
// retryable. lotSize is the broker's declared lot for the instrument;
// zero means the broker does not constrain lots.
func ValidateOrderRequest(orderID, instrument, side, orderType, timeInForce, quantity, limitPrice string, lotSize decimal.Decimal) ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(orderID) == "" {
		errs = append(errs, FieldError{Field: "order_id", Message: "order_id is required"})
	}

	if strings.TrimSpace(instrument) == "" {
		errs = append(errs, FieldError{Field: "instrument", Message: "instrument is required"})
	}

	side = NormalizeSide(side)
	if side != SideBuy && side != SideSell {
		errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
	}

	orderType = NormalizeOrderType(orderType)
	switch orderType {
	case TypeMarket, TypeLimit, TypeStop:
	default:
		errs = append(errs, FieldError{Field: "order_type", Message: "order_type must be market, limit, or stop"})
	}

	tif := NormalizeTimeInForce(timeInForce)
	if _, ok := allowedTIF[tif]; !ok {
		errs = append(errs, FieldError{Field: "time_in_force", Message: "time_in_force must be DAY, GTC, IOC, or FOK"})
	}

	qty, err := parsePositiveDecimal("quantity", quantity)
	if err != nil {
		errs = append(errs, FieldError{Field: "quantity", Message: err.Error()})
	} else if lotSize.IsPositive() && !qty.Mod(lotSize).IsZero() {
		errs = append(errs, FieldError{Field: "quantity", Message: fmt.Sprintf("quantity must be a multiple of lot size %s", lotSize.String())})
	}

	trimmedPrice := strings.TrimSpace(limitPrice)
	switch orderType {
	case TypeLimit, TypeStop:
		if trimmedPrice == "" {
			errs = append(errs, FieldError{Field: "limit_price", Message: fmt.Sprintf("limit_price is required for %s orders", orderType)})
		} else if _, err := parsePositiveDecimal("limit_price", trimmedPrice); err != nil {
			errs = append(errs, FieldError{Field: "limit_price", Message: err.Error()})
		}
	case TypeMarket:
		if trimmedPrice != "" {
			errs = append(errs, FieldError{Field: "limit_price", Message: "limit_price must be empty for market orders"})
		}
	}

	return errs
}

func NormalizeInstrument(instrument string) string {
	return strings.ToUpper(strings.TrimSpace(instrument))
}

// NormalizeSide and NormalizeOrderType lowercase the contract values so
// every caller persists and dispatches the same casing.
func NormalizeSide(side string) string {
	return strings.ToLower(strings.TrimSpace(side))
}

func NormalizeOrderType(orderType string) string {
	return strings.ToLower(strings.TrimSpace(orderType))
}

func NormalizeTimeInForce(tif string) string {
	normalized := strings.ToUpper(strings.TrimSpace(tif))
	if normalized == "" {
		return "DAY"
	}
	return normalized
}

func parsePositiveDecimal(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}
