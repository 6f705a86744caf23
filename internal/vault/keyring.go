package vault

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KeyConfig is one versioned data key. Either Material (base64 raw AES
// key, 16/24/32 bytes) or Passphrase+Salt (argon2id derivation) must be
// set. Configuration owns the values; this package never generates key
// material itself.
type KeyConfig struct {
	Version    int
	Material   string
	Passphrase string
	Salt       string
}

// Keyring holds the active key plus any fallback versions still needed
// to decrypt not-yet-rotated records. A Keyring is immutable once
// built; rotation installs a new one (copy-on-rotate).
type Keyring struct {
	active  int
	sealers map[int]*sealer
}

func NewKeyring(activeVersion int, keys []KeyConfig) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrEncryptionKeyUnavailable
	}

	sealers := make(map[int]*sealer, len(keys))
	for _, kc := range keys {
		if kc.Version <= 0 {
			return nil, fmt.Errorf("key version must be positive, got %d", kc.Version)
		}
		if _, dup := sealers[kc.Version]; dup {
			return nil, fmt.Errorf("duplicate key version %d", kc.Version)
		}
		raw, err := keyBytes(kc)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", kc.Version, err)
		}
		s, err := newSealer(raw)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", kc.Version, err)
		}
		sealers[kc.Version] = s
	}

	if _, ok := sealers[activeVersion]; !ok {
		return nil, fmt.Errorf("active key version %d not present in keyring", activeVersion)
	}

	return &Keyring{active: activeVersion, sealers: sealers}, nil
}

func (k *Keyring) ActiveVersion() int {
	return k.active
}

func (k *Keyring) sealerFor(version int) (*sealer, bool) {
	s, ok := k.sealers[version]
	return s, ok
}

// WithKey returns a new keyring containing the extra key, active at the
// given version. The receiver is untouched so in-flight reads keep
// their view.
func (k *Keyring) WithKey(kc KeyConfig, activate bool) (*Keyring, error) {
	raw, err := keyBytes(kc)
	if err != nil {
		return nil, fmt.Errorf("key version %d: %w", kc.Version, err)
	}
	s, err := newSealer(raw)
	if err != nil {
		return nil, fmt.Errorf("key version %d: %w", kc.Version, err)
	}

	sealers := make(map[int]*sealer, len(k.sealers)+1)
	for v, old := range k.sealers {
		sealers[v] = old
	}
	sealers[kc.Version] = s

	active := k.active
	if activate {
		active = kc.Version
	}
	return &Keyring{active: active, sealers: sealers}, nil
}

func keyBytes(kc KeyConfig) ([]byte, error) {
	if kc.Material != "" {
		raw, err := base64.StdEncoding.DecodeString(kc.Material)
		if err != nil {
			return nil, fmt.Errorf("decode key material: %w", err)
		}
		switch len(raw) {
		case 16, 24, 32:
			return raw, nil
		}
		return nil, fmt.Errorf("key material must be 16, 24, or 32 bytes, got %d", len(raw))
	}
	if kc.Passphrase != "" {
		if kc.Salt == "" {
			return nil, fmt.Errorf("passphrase key requires a salt")
		}
		return argon2.IDKey([]byte(kc.Passphrase), []byte(kc.Salt), 3, 64*1024, 4, 32), nil
	}
	return nil, ErrEncryptionKeyUnavailable
}
