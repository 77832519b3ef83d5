package sync

import (
	"errors"
	"fmt"
)

// ErrInvalidUsername is returned when an operation is called without a
// username. Callers normally get the username from the auth layer, so
// this indicates a wiring bug rather than bad client input.
var ErrInvalidUsername = errors.New("username must not be empty")

// ConflictError is returned by Publish when the client's version is older
// than the stored one, or when a concurrent write lands between the version
// check and the store. ServerVersion is whatever was read afterwards and can
// be at or below ClientVersion if that write removed the collection. The
// client must fetch, merge, and retry (or force).
type ConflictError struct {
	Username      string
	ClientVersion int64
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict for %s: client version %d is stale (server at %d)",
		e.Username, e.ClientVersion, e.ServerVersion,
	)
}

// Advice is the user-facing explanation sent alongside a conflict.
func (e *ConflictError) Advice() string {
	return "The cloud copy has changed since your last sync. " +
		"Fetch the latest tasks and merge before saving, or force to overwrite."
}

// IsConflict reports whether err (or any error in its chain) is a
// ConflictError, and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
