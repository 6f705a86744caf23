package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

type stubAdapter struct{ id string }

func (s stubAdapter) ID() string                 { return s.id }
func (s stubAdapter) CredentialFields() []string { return []string{"api_key", "api_secret"} }
func (s stubAdapter) LotSize(string) decimal.Decimal {
	return decimal.NewFromInt(1)
}
func (s stubAdapter) Submit(context.Context, OrderRequest, Credential) (Ack, error) {
	return Ack{Status: AckStatusAcknowledged}, nil
}
func (s stubAdapter) Cancel(context.Context, string, Credential) (Ack, error) {
	return Ack{Status: AckStatusCancelled}, nil
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubAdapter{id: "paper"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(stubAdapter{id: "paper"}); err == nil {
		t.Fatal("duplicate register should fail")
	}
	if err := reg.Register(stubAdapter{}); err == nil {
		t.Fatal("empty id should fail")
	}
}

func TestRegistryCredentialFields(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubAdapter{id: "paper"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	fields, ok := reg.CredentialFields("paper")
	if !ok || len(fields) != 2 {
		t.Fatalf("unexpected fields %v ok=%v", fields, ok)
	}
	if _, ok := reg.CredentialFields("unknown"); ok {
		t.Fatal("unknown broker should not resolve fields")
	}
	if got := reg.IDs(); len(got) != 1 || got[0] != "paper" {
		t.Fatalf("unexpected ids %v", got)
	}
}
