package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/realisonsdotcom/execution-core/internal/vault"
)

// Credential persistence behind the vault. Ciphertext is stored as
// bytea; key_version drives the rotation compare-and-swap.

func (s *Store) UpsertCredential(ctx context.Context, rec vault.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broker_credentials (account_id, broker_id, ciphertext, key_version, created_at, rotated_at)
		VALUES ($1, $2, $3, $4, now(), $5)
		ON CONFLICT (account_id, broker_id)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, key_version = EXCLUDED.key_version, rotated_at = EXCLUDED.rotated_at
	`, rec.AccountID, rec.BrokerID, rec.Ciphertext, rec.KeyVersion, rec.RotatedAt)
	return err
}

func (s *Store) GetCredential(ctx context.Context, accountID, brokerID string) (*vault.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, broker_id, ciphertext, key_version, created_at, rotated_at
		FROM broker_credentials
		WHERE account_id = $1 AND broker_id = $2
	`, accountID, brokerID)
	var rec vault.Record
	if err := row.Scan(&rec.AccountID, &rec.BrokerID, &rec.Ciphertext, &rec.KeyVersion, &rec.CreatedAt, &rec.RotatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, vault.ErrCredentialNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]vault.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, broker_id, ciphertext, key_version, created_at, rotated_at
		FROM broker_credentials
		ORDER BY account_id, broker_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []vault.Record
	for rows.Next() {
		var rec vault.Record
		if err := rows.Scan(&rec.AccountID, &rec.BrokerID, &rec.Ciphertext, &rec.KeyVersion, &rec.CreatedAt, &rec.RotatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) SwapCiphertext(ctx context.Context, accountID, brokerID string, fromVersion int, ciphertext []byte, toVersion int, rotatedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE broker_credentials
		SET ciphertext = $1, key_version = $2, rotated_at = $3
		WHERE account_id = $4 AND broker_id = $5 AND key_version = $6
	`, ciphertext, toVersion, rotatedAt, accountID, brokerID, fromVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
