package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/realisonsdotcom/execution-core/internal/broker"
)

type fakeCred map[string]string

func (c fakeCred) Field(name string) string { return c[name] }

func testRequest(orderID string) broker.OrderRequest {
	return broker.OrderRequest{
		OrderID:     orderID,
		AccountID:   "acct-1",
		Instrument:  "AAPL",
		Side:        "buy",
		OrderType:   "market",
		Quantity:    decimal.NewFromInt(10),
		TimeInForce: "DAY",
	}
}

func TestSubmitAcknowledgesAndFills(t *testing.T) {
	var mu sync.Mutex
	var got []Update
	a := New(Config{FillDelay: 5 * time.Millisecond}, func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	ack, err := a.Submit(context.Background(), testRequest("ord-1"), fakeCred{"api_key": "k", "api_secret": "s"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != broker.AckStatusAcknowledged || ack.BrokerRef == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	a.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(got))
	}
	if got[0].OrderID != "ord-1" || got[0].Status != "filled" || !got[0].FilledQty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected fill %+v", got[0])
	}
}

func TestSubmitRequiresCredential(t *testing.T) {
	a := New(Config{}, nil)
	_, err := a.Submit(context.Background(), testRequest("ord-2"), fakeCred{})
	if err == nil || broker.IsTransient(err) {
		t.Fatalf("expected permanent auth error, got %v", err)
	}
}

func TestFailureInjection(t *testing.T) {
	a := New(Config{}, nil)
	a.FailInstrument("AAPL", broker.NewTransient("overloaded", "venue busy", nil))
	_, err := a.Submit(context.Background(), testRequest("ord-3"), fakeCred{"api_key": "k"})
	if !broker.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	a.FailInstrument("AAPL", nil)
	if _, err := a.Submit(context.Background(), testRequest("ord-3"), fakeCred{"api_key": "k"}); err != nil {
		t.Fatalf("cleared injection should submit: %v", err)
	}
}

func TestCancelBeforeAndAfterFill(t *testing.T) {
	a := New(Config{}, nil)
	cred := fakeCred{"api_key": "k"}
	ack, err := a.Submit(context.Background(), testRequest("ord-4"), cred)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancelAck, err := a.Cancel(context.Background(), ack.BrokerRef, cred)
	if err != nil || cancelAck.Status != broker.AckStatusCancelled {
		t.Fatalf("cancel: %+v %v", cancelAck, err)
	}
	// Second cancel finds the order already terminal.
	cancelAck, err = a.Cancel(context.Background(), ack.BrokerRef, cred)
	if err != nil || cancelAck.Status != broker.AckStatusTooLate {
		t.Fatalf("late cancel: %+v %v", cancelAck, err)
	}
	if _, err := a.Cancel(context.Background(), "paper-missing", cred); err == nil {
		t.Fatal("unknown ref should error")
	}
}
