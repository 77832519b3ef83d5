package model

import "time"

// Collection is one user's whole task list together with its version
// stamp. The version is the server's write timestamp in epoch
// milliseconds and increases on every successful write.
type Collection struct {
	Username  string    `json:"username" db:"username"`
	Tasks     []Task    `json:"tasks" db:"-"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
