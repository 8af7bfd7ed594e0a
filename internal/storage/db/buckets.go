package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LoadBucket returns the serialized rate bucket for a source, empty if none
func (d *DB) LoadBucket(ctx context.Context, sourceID int64) (string, error) {
	var state string
	err := d.QueryRowContext(ctx, "SELECT state FROM rate_buckets WHERE source_id = ?", sourceID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading rate bucket: %w", err)
	}
	return state, nil
}

// SaveBucket stores the serialized rate bucket for a source
func (d *DB) SaveBucket(ctx context.Context, sourceID int64, state string) error {
	_, err := d.ExecContext(ctx, `
        INSERT INTO rate_buckets (source_id, state, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(source_id) DO UPDATE SET
            state = excluded.state,
            updated_at = CURRENT_TIMESTAMP
    `, sourceID, state)
	if err != nil {
		return fmt.Errorf("saving rate bucket: %w", err)
	}
	return nil
}
