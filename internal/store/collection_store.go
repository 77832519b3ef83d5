package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/task-sync/internal/model"
)

// collectionRow mirrors the collections table; tasks stay JSON text so the
// client's payload round-trips without the server knowing its schema.
type collectionRow struct {
	Username  string    `db:"username"`
	Tasks     string    `db:"tasks"`
	Version   int64     `db:"version"`
	UpdatedAt time.Time `db:"updated_at"`
}

// GetCollection retrieves the collection stored for username.
func (s *SQLiteStore) GetCollection(
	ctx context.Context,
	username string,
) (*model.Collection, error) {
	var row collectionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT username, tasks, version, updated_at FROM collections WHERE username = ?",
		username,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting collection %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", username, err)
	}

	c, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PutCollection inserts or replaces the collection for c.Username.
func (s *SQLiteStore) PutCollection(ctx context.Context, c model.Collection) error {
	tasks, err := marshalTasks(c)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (username, tasks, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			tasks = excluded.tasks,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		c.Username, tasks, c.Version, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("putting collection %s: %w", c.Username, err)
	}
	return nil
}

// CompareAndPutCollection writes c only if the stored version equals
// expectVersion. An expectVersion of 0 requires that no row exists yet.
func (s *SQLiteStore) CompareAndPutCollection(
	ctx context.Context,
	c model.Collection,
	expectVersion int64,
) error {
	tasks, err := marshalTasks(c)
	if err != nil {
		return err
	}

	var result sql.Result
	if expectVersion == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO collections (username, tasks, version, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(username) DO UPDATE SET
				tasks = excluded.tasks,
				version = excluded.version,
				updated_at = excluded.updated_at
			WHERE collections.version = 0`,
			c.Username, tasks, c.Version, time.Now().UTC(),
		)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE collections SET tasks = ?, version = ?, updated_at = ?
			WHERE username = ? AND version = ?`,
			tasks, c.Version, time.Now().UTC(),
			c.Username, expectVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("putting collection %s: %w", c.Username, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("putting collection %s: %w", c.Username, err)
	}
	if rows == 0 {
		return fmt.Errorf("putting collection %s at version %d: %w",
			c.Username, expectVersion, ErrVersionMismatch)
	}
	return nil
}

// DeleteCollection removes the collection for username. Deleting a
// collection that does not exist is not an error.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM collections WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", username, err)
	}
	return nil
}

// ListUsernames returns every user with a stored collection, sorted.
func (s *SQLiteStore) ListUsernames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, "SELECT username FROM collections ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("querying usernames: %w", err)
	}
	return names, nil
}

// ListCollections retrieves every stored collection ordered by username.
// A row whose tasks cannot be decoded fails the whole call.
func (s *SQLiteStore) ListCollections(ctx context.Context) ([]model.Collection, error) {
	var rows []collectionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT username, tasks, version, updated_at FROM collections ORDER BY username",
	)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}

	collections := make([]model.Collection, 0, len(rows))
	for _, row := range rows {
		c, err := row.toModel()
		if err != nil {
			return nil, err
		}
		collections = append(collections, c)
	}
	return collections, nil
}

func (r collectionRow) toModel() (model.Collection, error) {
	c := model.Collection{
		Username:  r.Username,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Tasks != "" {
		if err := json.Unmarshal([]byte(r.Tasks), &c.Tasks); err != nil {
			return model.Collection{}, fmt.Errorf("unmarshaling tasks for %s: %w", r.Username, err)
		}
	}
	if c.Tasks == nil {
		c.Tasks = []model.Task{}
	}
	return c, nil
}

func marshalTasks(c model.Collection) (string, error) {
	tasks := c.Tasks
	if tasks == nil {
		tasks = []model.Task{}
	}
	b, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("marshaling tasks for %s: %w", c.Username, err)
	}
	return string(b), nil
}
