package validation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateOrderRequest(t *testing.T) {
	cases := []struct {
		name       string
		orderID    string
		instrument string
		side       string
		typeVal    string
		tif        string
		qty        string
		price      string
		valid      bool
	}{
		{"valid market", "abc-1", "AAPL", "buy", "market", "DAY", "10", "", true},
		{"valid limit", "abc-2", "AAPL", "sell", "limit", "GTC", "1.5", "100", true},
		{"valid stop", "abc-3", "AAPL", "sell", "stop", "IOC", "2", "95", true},
		{"default tif", "abc-4", "AAPL", "buy", "market", "", "1", "", true},
		{"missing order id", "", "AAPL", "buy", "market", "DAY", "1", "", false},
		{"missing instrument", "abc-5", "", "buy", "market", "DAY", "1", "", false},
		{"bad side", "abc-6", "AAPL", "hold", "market", "DAY", "1", "", false},
		{"bad type", "abc-7", "AAPL", "buy", "trailing", "DAY", "1", "", false},
		{"bad tif", "abc-8", "AAPL", "buy", "market", "GTD", "1", "", false},
		{"zero qty", "abc-9", "AAPL", "buy", "market", "DAY", "0", "", false},
		{"negative qty", "abc-10", "AAPL", "buy", "market", "DAY", "-1", "", false},
		{"limit missing price", "abc-11", "AAPL", "buy", "limit", "DAY", "1", "", false},
		{"stop missing price", "abc-12", "AAPL", "sell", "stop", "DAY", "1", "", false},
		{"limit zero price", "abc-13", "AAPL", "buy", "limit", "DAY", "1", "0", false},
		{"market with price", "abc-14", "AAPL", "buy", "market", "DAY", "1", "100", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateOrderRequest(tc.orderID, tc.instrument, tc.side, tc.typeVal, tc.tif, tc.qty, tc.price, decimal.Zero)
			if tc.valid && len(errs) > 0 {
				t.Fatalf("expected valid, got errors: %+v", errs)
			}
			if !tc.valid && len(errs) == 0 {
				t.Fatalf("expected errors, got none")
			}
		})
	}
}

func TestValidateOrderRequestLotAlignment(t *testing.T) {
	lot := decimal.NewFromInt(5)

	errs := ValidateOrderRequest("abc-1", "AAPL", "buy", "market", "DAY", "10", "", lot)
	if len(errs) > 0 {
		t.Fatalf("expected lot-aligned quantity to pass, got %+v", errs)
	}

	errs = ValidateOrderRequest("abc-2", "AAPL", "buy", "market", "DAY", "7", "", lot)
	if len(errs) == 0 {
		t.Fatalf("expected lot misalignment error")
	}
	if errs[0].Field != "quantity" {
		t.Fatalf("expected quantity field error, got %s", errs[0].Field)
	}
}

func TestNormalizeInstrument(t *testing.T) {
	got := NormalizeInstrument(" aapl ")
	if got != "AAPL" {
		t.Fatalf("expected AAPL, got %s", got)
	}
}

func TestNormalizeTimeInForceDefault(t *testing.T) {
	if got := NormalizeTimeInForce(""); got != "DAY" {
		t.Fatalf("expected DAY default, got %s", got)
	}
	if got := NormalizeTimeInForce(" gtc "); got != "GTC" {
		t.Fatalf("expected GTC, got %s", got)
	}
}
