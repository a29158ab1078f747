package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AddArtifacts registers catalogued artifacts for a session. Already
// registered paths are ignored, so repeated hand-offs of the same group do
// not duplicate rows. It returns the number of newly inserted rows.
func (s *Store) AddArtifacts(ctx context.Context, sessionID string, artifacts []Artifact) (int, error) {
	if len(artifacts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin artifacts tx: %w", err)
	}
	defer tx.Rollback()
	added := 0
	now := s.now()
	for _, art := range artifacts {
		meta, err := json.Marshal(art.Meta)
		if err != nil {
			return 0, fmt.Errorf("ledger: encode artifact meta %s: %w", art.Path, err)
		}
		if art.Meta == nil {
			meta = []byte("{}")
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (session_id, path, kind, grp, size, meta, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, path) DO NOTHING`,
			sessionID, art.Path, art.Kind, art.Group, art.Size, string(meta), now,
		)
		if err != nil {
			return 0, fmt.Errorf("ledger: insert artifact %s: %w", art.Path, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: commit artifacts: %w", err)
	}
	return added, nil
}

// Artifacts lists the catalogued artifacts of a session ordered by path.
func (s *Store) Artifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, path, kind, grp, size, meta, created_at
		FROM artifacts
		WHERE session_id = ?
		ORDER BY path ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var (
			art       Artifact
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&art.SessionID, &art.Path, &art.Kind, &art.Group, &art.Size, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: scan artifact: %w", err)
		}
		if meta != "" && meta != "{}" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &art.Meta); err != nil {
				return nil, fmt.Errorf("ledger: decode artifact meta %s: %w", art.Path, err)
			}
		}
		art.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, art)
	}
	return out, rows.Err()
}
