package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KV reads and writes installation-scoped values. Expired rows are treated
// as absent on read and reclaimed by the janitor.
type KV struct {
	db  *sql.DB
	now func() time.Time
}

// NewKV returns a store over db.
func NewKV(db *sql.DB) *KV {
	return &KV{db: db, now: time.Now}
}

// Get returns the value stored under (installationID, key). The second return
// is false when no live value exists.
func (s *KV) Get(ctx context.Context, installationID, key string) (json.RawMessage, bool, error) {
	if installationID == "" {
		return nil, false, fmt.Errorf("installation id is empty")
	}

	var (
		raw       string
		expiresAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT value, expires_at FROM kv_entries
WHERE installation_id = ? AND key = ?;
`, installationID, key).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read kv entry: %w", err)
	}

	if expiresAt.Valid {
		exp, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil && !exp.After(s.now().UTC()) {
			return nil, false, nil
		}
	}
	if !json.Valid([]byte(raw)) {
		return nil, false, fmt.Errorf("stored value is invalid JSON for key=%q", key)
	}
	return json.RawMessage(raw), true, nil
}

// Set upserts a value. A ttl of zero stores it without expiry.
func (s *KV) Set(ctx context.Context, installationID, key string, value json.RawMessage, ttl time.Duration) error {
	if installationID == "" {
		return fmt.Errorf("installation id is empty")
	}
	if len(value) == 0 || !json.Valid(value) {
		return fmt.Errorf("value is not valid JSON")
	}

	now := s.now().UTC()
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl).Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_entries(installation_id, key, value, expires_at, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(installation_id, key) DO UPDATE SET
  value = excluded.value,
  expires_at = excluded.expires_at,
  updated_at = excluded.updated_at;
`, installationID, key, string(value), expiresAt, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert kv entry: %w", err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (s *KV) Delete(ctx context.Context, installationID, key string) error {
	if installationID == "" {
		return fmt.Errorf("installation id is empty")
	}
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM kv_entries WHERE installation_id = ? AND key = ?;
`, installationID, key); err != nil {
		return fmt.Errorf("delete kv entry: %w", err)
	}
	return nil
}

// PurgeExpired removes every row whose TTL has elapsed and returns the count.
func (s *KV) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?;
`, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge expired kv entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
