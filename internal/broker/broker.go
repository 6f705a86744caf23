// Package broker defines the boundary between the order router and
// external trading venues. Adapters translate a canonical order into a
// venue-specific wire call and classify every failure as transient or
// permanent so the router's retry policy stays uniform.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Credential is the scoped view of a decrypted broker credential.
// Satisfied by the vault's resolve handle; adapters must never copy
// field values into logs or error detail.
type Credential interface {
	Field(name string) string
}

// OrderRequest is the canonical order as handed to an adapter.
type OrderRequest struct {
	OrderID     string
	AccountID   string
	Instrument  string
	Side        string
	OrderType   string
	Quantity    decimal.Decimal
	LimitPrice  *decimal.Decimal
	TimeInForce string
}

const (
	AckStatusAcknowledged = "acknowledged"
	AckStatusCancelled    = "cancelled"
	AckStatusTooLate      = "too_late"
)

// Ack is a venue's answer to a submit or cancel. For cancels the venue
// is authoritative: TooLate means the order already filled.
type Ack struct {
	BrokerRef string
	Status    string
}

type Adapter interface {
	ID() string
	// CredentialFields declares the plaintext fields the vault must
	// require at provisioning time.
	CredentialFields() []string
	// LotSize returns the venue's lot for an instrument; zero means
	// unconstrained.
	LotSize(instrument string) decimal.Decimal
	Submit(ctx context.Context, req OrderRequest, cred Credential) (Ack, error)
	Cancel(ctx context.Context, brokerRef string, cred Credential) (Ack, error)
}

// Registry is the closed set of adapters resolved at startup. Brokers
// are registered explicitly; there is no runtime discovery.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("adapter with empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.ID()]; dup {
		return fmt.Errorf("broker %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

func (r *Registry) Get(brokerID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[brokerID]
	return a, ok
}

// CredentialFields satisfies the vault's shape registry.
func (r *Registry) CredentialFields(brokerID string) ([]string, bool) {
	a, ok := r.Get(brokerID)
	if !ok {
		return nil, false
	}
	return a.CredentialFields(), true
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
