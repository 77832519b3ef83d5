package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/task-sync/internal/model"
)

// UpsertSubscription inserts a subscription or, when the endpoint is
// already known, replaces its keys and owner. The row ID and creation time
// of an existing endpoint are kept.
func (s *SQLiteStore) UpsertSubscription(
	ctx context.Context,
	sub model.Subscription,
) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			endpoint, id, username, p256dh, auth, expiration_time, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			username = excluded.username,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			expiration_time = excluded.expiration_time`,
		sub.Endpoint, sub.ID, sub.Username, sub.P256dh, sub.Auth,
		sub.ExpirationTime, sub.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting subscription for %s: %w", sub.Username, err)
	}
	return nil
}

// GetSubscription retrieves a single subscription by endpoint.
func (s *SQLiteStore) GetSubscription(
	ctx context.Context,
	endpoint string,
) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.GetContext(ctx, &sub, `
		SELECT id, endpoint, username, p256dh, auth, expiration_time, created_at
		FROM subscriptions WHERE endpoint = ?`, endpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting subscription: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscriptionsForUser retrieves every subscription owned by username,
// oldest first.
func (s *SQLiteStore) GetSubscriptionsForUser(
	ctx context.Context,
	username string,
) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := s.db.SelectContext(ctx, &subs, `
		SELECT id, endpoint, username, p256dh, auth, expiration_time, created_at
		FROM subscriptions WHERE username = ?
		ORDER BY created_at, endpoint`, username)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions for %s: %w", username, err)
	}
	return subs, nil
}

// DeleteSubscription removes a subscription by endpoint. Deleting an
// unknown endpoint is not an error, so concurrent cleanups are harmless.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE endpoint = ?", endpoint)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// DeleteSubscriptionsForUser removes all of a user's subscriptions and
// reports how many were deleted.
func (s *SQLiteStore) DeleteSubscriptionsForUser(
	ctx context.Context,
	username string,
) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE username = ?", username)
	if err != nil {
		return 0, fmt.Errorf("deleting subscriptions for %s: %w", username, err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// CountSubscriptionsByUser returns the number of subscriptions per user.
func (s *SQLiteStore) CountSubscriptionsByUser(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Username string `db:"username"`
		Count    int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT username, COUNT(*) AS n FROM subscriptions GROUP BY username")
	if err != nil {
		return nil, fmt.Errorf("counting subscriptions: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Username] = r.Count
	}
	return counts, nil
}
