// Package paper is an in-process simulated venue for local development
// and tests. It acknowledges orders immediately and delivers fills on a
// configurable delay, feeding them back through an update callback the
// way a real venue would over the broker-updates topic.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/realisonsdotcom/execution-core/internal/broker"
)

const BrokerID = "paper"

// Update is a simulated venue event, mirroring the broker-updates
// message shape.
type Update struct {
	OrderID   string
	BrokerRef string
	Status    string
	FilledQty decimal.Decimal
}

// UpdateFunc receives simulated fills. Called from the adapter's timer
// goroutine; implementations must be safe for concurrent use.
type UpdateFunc func(Update)

type Config struct {
	// FillDelay is the time between acknowledgement and the simulated
	// fill. Zero disables fills entirely.
	FillDelay time.Duration
	// LotSize applied to every instrument; zero means unconstrained.
	LotSize decimal.Decimal
}

type Adapter struct {
	cfg    Config
	onFill UpdateFunc

	mu     sync.Mutex
	orders map[string]paperOrder // brokerRef -> order
	fail   map[string]error      // instrument -> injected submit failure

	wg sync.WaitGroup
}

type paperOrder struct {
	orderID  string
	quantity decimal.Decimal
	done     bool
}

func New(cfg Config, onFill UpdateFunc) *Adapter {
	return &Adapter{
		cfg:    cfg,
		onFill: onFill,
		orders: make(map[string]paperOrder),
		fail:   make(map[string]error),
	}
}

func (a *Adapter) ID() string { return BrokerID }

func (a *Adapter) CredentialFields() []string {
	// The simulator still exercises the full credential path.
	return []string{"api_key", "api_secret"}
}

func (a *Adapter) LotSize(string) decimal.Decimal { return a.cfg.LotSize }

// FailInstrument injects a submit failure for an instrument. Passing a
// nil error clears the injection.
func (a *Adapter) FailInstrument(instrument string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.fail, instrument)
		return
	}
	a.fail[instrument] = err
}

func (a *Adapter) Submit(ctx context.Context, req broker.OrderRequest, cred broker.Credential) (broker.Ack, error) {
	if cred == nil || cred.Field("api_key") == "" {
		return broker.Ack{}, broker.NewPermanent("auth", "missing credential", nil)
	}
	if err := ctx.Err(); err != nil {
		return broker.Ack{}, broker.Classify(err)
	}
	a.mu.Lock()
	if err, injected := a.fail[req.Instrument]; injected {
		a.mu.Unlock()
		return broker.Ack{}, broker.Classify(err)
	}
	ref := "paper-" + uuid.NewString()
	a.orders[ref] = paperOrder{orderID: req.OrderID, quantity: req.Quantity}
	a.mu.Unlock()

	if a.cfg.FillDelay > 0 && a.onFill != nil {
		a.wg.Add(1)
		go a.fillLater(ref)
	}
	return broker.Ack{BrokerRef: ref, Status: broker.AckStatusAcknowledged}, nil
}

func (a *Adapter) fillLater(ref string) {
	defer a.wg.Done()
	time.Sleep(a.cfg.FillDelay)
	a.mu.Lock()
	ord, ok := a.orders[ref]
	if !ok || ord.done {
		a.mu.Unlock()
		return
	}
	ord.done = true
	a.orders[ref] = ord
	a.mu.Unlock()
	a.onFill(Update{
		OrderID:   ord.orderID,
		BrokerRef: ref,
		Status:    "filled",
		FilledQty: ord.quantity,
	})
}

func (a *Adapter) Cancel(ctx context.Context, brokerRef string, cred broker.Credential) (broker.Ack, error) {
	if err := ctx.Err(); err != nil {
		return broker.Ack{}, broker.Classify(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[brokerRef]
	if !ok {
		return broker.Ack{}, broker.NewPermanent("not_found", fmt.Sprintf("unknown broker ref %s", brokerRef), nil)
	}
	if ord.done {
		return broker.Ack{BrokerRef: brokerRef, Status: broker.AckStatusTooLate}, nil
	}
	ord.done = true
	a.orders[brokerRef] = ord
	return broker.Ack{BrokerRef: brokerRef, Status: broker.AckStatusCancelled}, nil
}

// Drain waits for in-flight simulated fills, used by tests and
// shutdown.
func (a *Adapter) Drain() { a.wg.Wait() }
