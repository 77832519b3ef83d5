package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSetting retrieves a value from the settings table.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("getting setting %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting inserts or replaces a value in the settings table.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// SetSettingIfAbsent stores value under key unless a value already
// exists, then returns the stored value. Two processes racing to
// initialize the same key both end up with the first writer's value.
func (s *SQLiteStore) SetSettingIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("setting %q: %w", key, err)
	}
	return s.GetSetting(ctx, key)
}
