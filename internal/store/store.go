package store

import (
	"context"
	"errors"

	"github.com/nhle/task-sync/internal/model"
)

// ErrNotFound is returned when a keyed lookup finds no row.
var ErrNotFound = errors.New("not found")

// ErrVersionMismatch is returned by CompareAndPutCollection when the
// stored version no longer equals the expected one.
var ErrVersionMismatch = errors.New("version mismatch")

// CollectionStore persists one task collection per username.
type CollectionStore interface {
	// GetCollection returns ErrNotFound when the user has never written.
	GetCollection(ctx context.Context, username string) (*model.Collection, error)

	// PutCollection replaces the whole collection unconditionally.
	PutCollection(ctx context.Context, c model.Collection) error

	// CompareAndPutCollection replaces the collection only if the stored
	// version still equals expectVersion (0 meaning "no row yet").
	CompareAndPutCollection(ctx context.Context, c model.Collection, expectVersion int64) error

	DeleteCollection(ctx context.Context, username string) error
	ListUsernames(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context) ([]model.Collection, error)
}

// SubscriptionStore persists push endpoints keyed by endpoint URL.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub model.Subscription) error
	GetSubscription(ctx context.Context, endpoint string) (*model.Subscription, error)
	GetSubscriptionsForUser(ctx context.Context, username string) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	DeleteSubscriptionsForUser(ctx context.Context, username string) (int, error)
	CountSubscriptionsByUser(ctx context.Context) (map[string]int, error)
}

// SettingsStore is a small key-value table for process-wide settings
// such as the VAPID key pair.
type SettingsStore interface {
	// GetSetting returns ErrNotFound when the key is absent.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// SetSettingIfAbsent stores value only when key has no value yet and
	// returns whatever is stored afterwards.
	SetSettingIfAbsent(ctx context.Context, key, value string) (string, error)
}

// Store is the full persistence interface used by the server.
type Store interface {
	CollectionStore
	SubscriptionStore
	SettingsStore
	Close() error
}
