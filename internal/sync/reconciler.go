package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/store"
)

// PublishRequest is a client's proposed replacement for its collection.
type PublishRequest struct {
	Tasks []model.Task

	// Version is the version the client last fetched.
	Version int64

	// Force skips the version check and overwrites the stored copy.
	Force bool
}

// PublishResult carries the version assigned to a successful write.
type PublishResult struct {
	Version int64
}

// Reconciler implements the fetch/publish protocol clients use to keep
// their local task list in step with the server copy. Conflicts are
// resolved at whole-document granularity; merging individual tasks is
// the client's job.
type Reconciler struct {
	store store.CollectionStore
	now   func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the wall clock used to stamp versions.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler backed by the given store.
func NewReconciler(s store.CollectionStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store: s,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch returns the stored collection for username. A user who has never
// published gets an empty collection at version 0.
func (r *Reconciler) Fetch(ctx context.Context, username string) (*model.Collection, error) {
	if username == "" {
		return nil, ErrInvalidUsername
	}

	c, err := r.store.GetCollection(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Collection{Username: username, Tasks: []model.Task{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching collection: %w", err)
	}
	return c, nil
}

// Publish replaces username's collection with req.Tasks.
//
// Without Force, a request whose Version is older than the stored version
// is rejected with a *ConflictError and nothing is written. The write
// itself is a compare-and-swap against the version read here, so two
// publishes that both pass the check cannot both land; the loser gets a
// conflict carrying the winner's version.
//
// The new version is the current time in epoch milliseconds, bumped past
// the stored version if the clock has not advanced.
func (r *Reconciler) Publish(
	ctx context.Context,
	username string,
	req PublishRequest,
) (PublishResult, error) {
	if username == "" {
		return PublishResult{}, ErrInvalidUsername
	}

	serverVersion, err := r.storedVersion(ctx, username)
	if err != nil {
		return PublishResult{}, err
	}

	if !req.Force && req.Version < serverVersion {
		return PublishResult{}, &ConflictError{
			Username:      username,
			ClientVersion: req.Version,
			ServerVersion: serverVersion,
		}
	}

	newVersion := r.now().UnixMilli()
	if newVersion <= serverVersion {
		newVersion = serverVersion + 1
	}

	tasks := req.Tasks
	if tasks == nil {
		tasks = []model.Task{}
	}
	c := model.Collection{
		Username: username,
		Tasks:    tasks,
		Version:  newVersion,
	}

	if req.Force {
		if err := r.store.PutCollection(ctx, c); err != nil {
			return PublishResult{}, fmt.Errorf("publishing collection: %w", err)
		}
		return PublishResult{Version: newVersion}, nil
	}

	err = r.store.CompareAndPutCollection(ctx, c, serverVersion)
	if errors.Is(err, store.ErrVersionMismatch) {
		current, readErr := r.storedVersion(ctx, username)
		if readErr != nil {
			return PublishResult{}, readErr
		}
		return PublishResult{}, &ConflictError{
			Username:      username,
			ClientVersion: req.Version,
			ServerVersion: current,
		}
	}
	if err != nil {
		return PublishResult{}, fmt.Errorf("publishing collection: %w", err)
	}

	return PublishResult{Version: newVersion}, nil
}

// storedVersion returns the current version for username, 0 if absent.
func (r *Reconciler) storedVersion(ctx context.Context, username string) (int64, error) {
	c, err := r.store.GetCollection(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading stored version: %w", err)
	}
	return c.Version, nil
}
