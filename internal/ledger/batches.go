package ledger

import (
	"context"
	"fmt"
)

// SaveBatch stores the serialized state-machine batch under key.
func (s *Store) SaveBatch(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, string(payload), s.now(),
	)
	if err != nil {
		return fmt.Errorf("ledger: save batch %s: %w", key, err)
	}
	return nil
}

// LoadBatches returns every persisted batch payload keyed by batch key.
func (s *Store) LoadBatches(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, payload FROM batches ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("ledger: load batches: %w", err)
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("ledger: scan batch: %w", err)
		}
		out[key] = []byte(payload)
	}
	return out, rows.Err()
}

// DeleteBatch removes a finished batch.
func (s *Store) DeleteBatch(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE key = ?`, key); err != nil {
		return fmt.Errorf("ledger: delete batch %s: %w", key, err)
	}
	return nil
}
