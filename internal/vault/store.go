package vault

import (
	"context"
	"sync"
	"time"
)

// Record is one encrypted credential at rest. Ciphertext internals are
// opaque to every package but this one.
type Record struct {
	AccountID  string
	BrokerID   string
	Ciphertext []byte
	KeyVersion int
	CreatedAt  time.Time
	RotatedAt  time.Time
}

type Store interface {
	UpsertCredential(ctx context.Context, rec Record) error
	GetCredential(ctx context.Context, accountID, brokerID string) (*Record, error)
	ListCredentials(ctx context.Context) ([]Record, error)
	// SwapCiphertext replaces a record's ciphertext only while it is
	// still under fromVersion. Returns false when another writer got
	// there first; the caller treats that as already rotated.
	SwapCiphertext(ctx context.Context, accountID, brokerID string, fromVersion int, ciphertext []byte, toVersion int, rotatedAt time.Time) (bool, error)
}

// MemoryStore keeps records in process. Used in paper-trading mode and
// by tests; production wiring uses the postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func credentialKey(accountID, brokerID string) string {
	return accountID + "/" + brokerID
}

func (m *MemoryStore) UpsertCredential(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := credentialKey(rec.AccountID, rec.BrokerID)
	if existing, ok := m.records[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	m.records[key] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, accountID, brokerID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[credentialKey(accountID, brokerID)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	copied := cloneRecord(rec)
	return &copied, nil
}

func (m *MemoryStore) ListCredentials(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (m *MemoryStore) SwapCiphertext(_ context.Context, accountID, brokerID string, fromVersion int, ciphertext []byte, toVersion int, rotatedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := credentialKey(accountID, brokerID)
	rec, ok := m.records[key]
	if !ok {
		return false, ErrCredentialNotFound
	}
	if rec.KeyVersion != fromVersion {
		return false, nil
	}
	rec.Ciphertext = append([]byte(nil), ciphertext...)
	rec.KeyVersion = toVersion
	rec.RotatedAt = rotatedAt
	m.records[key] = rec
	return true, nil
}

func cloneRecord(rec Record) Record {
	rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	return rec
}
