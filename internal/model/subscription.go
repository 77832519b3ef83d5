package model

import "time"

// Subscription is a single push endpoint owned by a user. Endpoint is
// the natural key; subscribing again with the same endpoint replaces the
// keys and ownership of the previous row.
type Subscription struct {
	// ID is a server-generated row identifier, stable across re-subscribes.
	ID string `json:"id" db:"id"`

	Endpoint string `json:"endpoint" db:"endpoint"`
	Username string `json:"username" db:"username"`

	// P256dh and Auth are the browser-issued encryption keys.
	P256dh string `json:"p256dh" db:"p256dh"`
	Auth   string `json:"auth" db:"auth"`

	// ExpirationTime is the optional epoch-millisecond expiry reported by
	// the browser's PushManager.
	ExpirationTime *int64 `json:"expirationTime,omitempty" db:"expiration_time"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
