// Package vault encrypts, stores, and resolves per-account broker
// credentials. Key material and ciphertext internals never leave this
// package; decrypted credentials exist only inside a Resolve callback
// and are zeroed on every exit path.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/realisonsdotcom/execution-core/internal/audit"
)

var (
	ErrInvalidCredentialFormat  = errors.New("invalid credential format")
	ErrUnknownBroker            = errors.New("unknown broker")
	ErrEncryptionKeyUnavailable = errors.New("no active encryption key configured")
	ErrCredentialNotFound       = errors.New("credential not found")
	ErrDecryptionFailed         = errors.New("credential decryption failed")
	ErrKeyRotationRequired      = errors.New("credential encrypted under a retired key")
)

// Payload is the plaintext credential shape submitted at provisioning
// time: named fields such as api_key, api_secret, totp_secret.
type Payload map[string]string

// Decrypted is the scoped handle passed to a Resolve callback. The
// backing buffer is wiped when the callback returns; callers must not
// retain field values beyond the call.
type Decrypted struct {
	AccountID string
	BrokerID  string
	fields    Payload
	raw       []byte
}

func (d *Decrypted) Field(name string) string {
	return d.fields[name]
}

func (d *Decrypted) zero() {
	for i := range d.raw {
		d.raw[i] = 0
	}
	for k := range d.fields {
		delete(d.fields, k)
	}
}

// ShapeRegistry declares which fields a broker's credentials must
// carry. Satisfied by the broker adapter registry.
type ShapeRegistry interface {
	CredentialFields(brokerID string) ([]string, bool)
}

type Vault struct {
	store   Store
	shapes  ShapeRegistry
	audit   *audit.Recorder
	logger  *slog.Logger
	keyring atomic.Pointer[Keyring]

	// Single rotation at a time; resolves are never blocked by it.
	rotateMu sync.Mutex
}

func New(store Store, shapes ShapeRegistry, keyring *Keyring, auditRec *audit.Recorder, logger *slog.Logger) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store required")
	}
	if keyring == nil {
		return nil, ErrEncryptionKeyUnavailable
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{store: store, shapes: shapes, audit: auditRec, logger: logger}
	v.keyring.Store(keyring)
	return v, nil
}

// Store validates the plaintext against the broker's declared shape,
// encrypts it under the active key version, and persists it. The
// plaintext buffer is wiped before returning.
func (v *Vault) Store(ctx context.Context, actor, accountID, brokerID string, payload Payload) error {
	accountID = strings.TrimSpace(accountID)
	brokerID = strings.TrimSpace(brokerID)

	if err := v.validateShape(brokerID, payload); err != nil {
		v.recordAudit(ctx, actor, accountID, brokerID, audit.EventCredentialStore, "rejected: "+err.Error())
		return err
	}

	kr := v.keyring.Load()
	if kr == nil {
		return ErrEncryptionKeyUnavailable
	}
	active, ok := kr.sealerFor(kr.ActiveVersion())
	if !ok {
		return ErrEncryptionKeyUnavailable
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	ciphertext, err := active.seal(plaintext)
	wipe(plaintext)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}

	now := time.Now().UTC()
	err = v.store.UpsertCredential(ctx, Record{
		AccountID:  accountID,
		BrokerID:   brokerID,
		Ciphertext: ciphertext,
		KeyVersion: kr.ActiveVersion(),
		CreatedAt:  now,
	})
	if err != nil {
		v.recordAudit(ctx, actor, accountID, brokerID, audit.EventCredentialStore, "failed")
		return fmt.Errorf("persist credential: %w", err)
	}

	v.recordAudit(ctx, actor, accountID, brokerID, audit.EventCredentialStore,
		fmt.Sprintf("stored under key version %d", kr.ActiveVersion()))
	return nil
}

// Resolve decrypts the credential for one broker call. fn receives a
// scoped handle; the decrypted material is zeroed when fn returns,
// including on panic or error.
func (v *Vault) Resolve(ctx context.Context, actor, accountID, brokerID string, fn func(*Decrypted) error) error {
	rec, err := v.store.GetCredential(ctx, accountID, brokerID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			v.recordAudit(ctx, actor, accountID, brokerID, audit.EventCredentialResolve, "not found")
			return ErrCredentialNotFound
		}
		return fmt.Errorf("load credential: %w", err)
	}

	kr := v.keyring.Load()
	if kr == nil {
		return ErrEncryptionKeyUnavailable
	}
	s, ok := kr.sealerFor(rec.KeyVersion)
	if !ok {
		v.recordAudit(ctx, actor, accountID, brokerID, audit.EventCredentialResolve,
			fmt.Sprintf("retired key version %d", rec.KeyVersion))
		return ErrKeyRotationRequired
	}

	plaintext, err := s.open(rec.Ciphertext)
	if err != nil {
		v.recordAudit(ctx, actor, accountID, brokerID, audit.EventCredentialResolve, "decryption failed")
		return ErrDecryptionFailed
	}

	dec := &Decrypted{
		AccountID: accountID,
		BrokerID:  brokerID,
		fields:    Payload{},
		raw:       plaintext,
	}
	if err := json.Unmarshal(plaintext, &dec.fields); err != nil {
		dec.zero()
		return ErrDecryptionFailed
	}
	defer dec.zero()

	v.recordAudit(ctx, actor, accountID, brokerID, audit.EventCredentialResolve, "ok")
	return fn(dec)
}

// Rotate installs newKey as the active version and re-encrypts every
// stored credential under it. The previous keyring stays available as
// fallback for the duration, so concurrent Resolve calls keep working
// on rows not yet rewritten. Per-record swaps are compare-and-swap on
// the key version; no reader ever observes a half-rotated record.
func (v *Vault) Rotate(ctx context.Context, actor string, newKey KeyConfig) (int, error) {
	v.rotateMu.Lock()
	defer v.rotateMu.Unlock()

	current := v.keyring.Load()
	if current == nil {
		return 0, ErrEncryptionKeyUnavailable
	}
	next, err := current.WithKey(newKey, true)
	if err != nil {
		return 0, err
	}
	v.keyring.Store(next)

	newSealerInst, ok := next.sealerFor(newKey.Version)
	if !ok {
		return 0, ErrEncryptionKeyUnavailable
	}

	records, err := v.store.ListCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}

	rotated := 0
	now := time.Now().UTC()
	for _, rec := range records {
		if rec.KeyVersion == newKey.Version {
			continue
		}
		old, ok := next.sealerFor(rec.KeyVersion)
		if !ok {
			v.logger.Warn("credential skipped during rotation, no key for version",
				"account_id", rec.AccountID, "broker_id", rec.BrokerID, "key_version", rec.KeyVersion)
			continue
		}
		plaintext, err := old.open(rec.Ciphertext)
		if err != nil {
			v.logger.Error("credential unreadable during rotation",
				"account_id", rec.AccountID, "broker_id", rec.BrokerID, "error", err)
			continue
		}
		ciphertext, err := newSealerInst.seal(plaintext)
		wipe(plaintext)
		if err != nil {
			return rotated, fmt.Errorf("re-seal credential: %w", err)
		}
		swapped, err := v.store.SwapCiphertext(ctx, rec.AccountID, rec.BrokerID, rec.KeyVersion, ciphertext, newKey.Version, now)
		if err != nil {
			return rotated, fmt.Errorf("swap credential ciphertext: %w", err)
		}
		if swapped {
			rotated++
		}
	}

	v.recordAudit(ctx, actor, "", "", audit.EventCredentialRotate,
		fmt.Sprintf("rotated %d credentials to key version %d", rotated, newKey.Version))
	return rotated, nil
}

// ActiveKeyVersion reports the version new credentials are sealed under.
func (v *Vault) ActiveKeyVersion() int {
	kr := v.keyring.Load()
	if kr == nil {
		return 0
	}
	return kr.ActiveVersion()
}

func (v *Vault) validateShape(brokerID string, payload Payload) error {
	if len(payload) == 0 {
		return ErrInvalidCredentialFormat
	}
	if v.shapes == nil {
		return nil
	}
	fields, ok := v.shapes.CredentialFields(brokerID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBroker, brokerID)
	}
	for _, f := range fields {
		if strings.TrimSpace(payload[f]) == "" {
			return fmt.Errorf("%w: missing field %q", ErrInvalidCredentialFormat, f)
		}
	}
	return nil
}

func (v *Vault) recordAudit(ctx context.Context, actor, accountID, brokerID, event, detail string) {
	if v.audit == nil {
		return
	}
	v.audit.Record(ctx, audit.Entry{
		AccountID: accountID,
		BrokerID:  brokerID,
		Event:     event,
		Actor:     actor,
		Detail:    detail,
	})
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
