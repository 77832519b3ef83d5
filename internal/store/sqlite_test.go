package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/store"
	"github.com/nhle/task-sync/tests/testutil"
)

func decodeTasks(t *testing.T, raw string) []model.Task {
	t.Helper()
	var tasks []model.Task
	require.NoError(t, json.Unmarshal([]byte(raw), &tasks))
	return tasks
}

func TestGetCollectionNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetCollection(context.Background(), "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutCollectionRoundTripsOpaqueFields(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	tasks := decodeTasks(t, `[
		{"id":"t1","title":"Buy milk","priority":2,"tags":["home"],"remindAt":1000},
		{"id":"t2","status":"completed","notes":{"a":1}}
	]`)

	require.NoError(t, s.PutCollection(ctx, model.Collection{
		Username: "alice",
		Tasks:    tasks,
		Version:  5,
	}))

	got, err := s.GetCollection(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "t1", got.Tasks[0].ID)
	assert.Equal(t, int64(1000), *got.Tasks[0].RemindAt)

	tags, ok := got.Tasks[0].Extra("tags")
	require.True(t, ok)
	assert.JSONEq(t, `["home"]`, string(tags))

	notes, ok := got.Tasks[1].Extra("notes")
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(notes))
}

func TestPutCollectionReplacesWholeDocument(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCollection(ctx, model.Collection{
		Username: "alice",
		Tasks:    decodeTasks(t, `[{"id":"a"},{"id":"b"}]`),
		Version:  1,
	}))
	require.NoError(t, s.PutCollection(ctx, model.Collection{
		Username: "alice",
		Tasks:    decodeTasks(t, `[{"id":"c"}]`),
		Version:  2,
	}))

	got, err := s.GetCollection(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "c", got.Tasks[0].ID)
}

func TestCompareAndPutCollection(t *testing.T) {
	tests := []struct {
		name          string
		seedVersion   int64 // 0 means no row
		expectVersion int64
		wantErr       error
	}{
		{name: "create when absent", seedVersion: 0, expectVersion: 0},
		{name: "create rejected when row exists", seedVersion: 5, expectVersion: 0, wantErr: store.ErrVersionMismatch},
		{name: "update at matching version", seedVersion: 5, expectVersion: 5},
		{name: "update rejected at stale version", seedVersion: 5, expectVersion: 4, wantErr: store.ErrVersionMismatch},
		{name: "update rejected when absent", seedVersion: 0, expectVersion: 3, wantErr: store.ErrVersionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.NewTestStore(t)
			ctx := context.Background()

			if tt.seedVersion > 0 {
				require.NoError(t, s.PutCollection(ctx, model.Collection{
					Username: "alice",
					Tasks:    decodeTasks(t, `[{"id":"seed"}]`),
					Version:  tt.seedVersion,
				}))
			}

			err := s.CompareAndPutCollection(ctx, model.Collection{
				Username: "alice",
				Tasks:    decodeTasks(t, `[{"id":"new"}]`),
				Version:  100,
			}, tt.expectVersion)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				if tt.seedVersion > 0 {
					got, getErr := s.GetCollection(ctx, "alice")
					require.NoError(t, getErr)
					assert.Equal(t, tt.seedVersion, got.Version)
					assert.Equal(t, "seed", got.Tasks[0].ID)
				}
				return
			}

			require.NoError(t, err)
			got, err := s.GetCollection(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(100), got.Version)
			assert.Equal(t, "new", got.Tasks[0].ID)
		})
	}
}

func TestListAndDeleteCollections(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"bob", "alice"} {
		require.NoError(t, s.PutCollection(ctx, model.Collection{
			Username: name,
			Version:  int64(i + 1),
		}))
	}

	all, err := s.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].Username)
	assert.Equal(t, "bob", all[1].Username)
	assert.NotNil(t, all[0].Tasks)

	names, err := s.ListUsernames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)

	require.NoError(t, s.DeleteCollection(ctx, "alice"))
	require.NoError(t, s.DeleteCollection(ctx, "alice"))

	all, err = s.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "bob", all[0].Username)
}

func TestUpsertSubscriptionByEndpoint(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSubscription(ctx, model.Subscription{
		Endpoint: "https://push.example/1",
		Username: "alice",
		P256dh:   "key-a",
		Auth:     "auth-a",
	}))
	first, err := s.GetSubscription(ctx, "https://push.example/1")
	require.NoError(t, err)

	// Same endpoint, new owner and keys.
	require.NoError(t, s.UpsertSubscription(ctx, model.Subscription{
		Endpoint:       "https://push.example/1",
		Username:       "bob",
		P256dh:         "key-b",
		Auth:           "auth-b",
		ExpirationTime: model.Millis(5000),
	}))

	got, err := s.GetSubscription(ctx, "https://push.example/1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "bob", got.Username)
	assert.Equal(t, "key-b", got.P256dh)
	assert.Equal(t, "auth-b", got.Auth)
	require.NotNil(t, got.ExpirationTime)
	assert.Equal(t, int64(5000), *got.ExpirationTime)

	aliceSubs, err := s.GetSubscriptionsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, aliceSubs)
}

func TestSubscriptionsPerUser(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for _, sub := range []model.Subscription{
		{Endpoint: "https://push.example/a1", Username: "alice", P256dh: "k", Auth: "a"},
		{Endpoint: "https://push.example/a2", Username: "alice", P256dh: "k", Auth: "a"},
		{Endpoint: "https://push.example/b1", Username: "bob", P256dh: "k", Auth: "a"},
	} {
		require.NoError(t, s.UpsertSubscription(ctx, sub))
	}

	subs, err := s.GetSubscriptionsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	counts, err := s.CountSubscriptionsByUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, counts)

	require.NoError(t, s.DeleteSubscription(ctx, "https://push.example/a1"))
	require.NoError(t, s.DeleteSubscription(ctx, "https://push.example/unknown"))

	_, err = s.GetSubscription(ctx, "https://push.example/a1")
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.DeleteSubscriptionsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bobSubs, err := s.GetSubscriptionsForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobSubs, 1)
}

func TestSettings(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "vapid")
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.SetSettingIfAbsent(ctx, "vapid", "first")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = s.SetSettingIfAbsent(ctx, "vapid", "second")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	require.NoError(t, s.SetSetting(ctx, "vapid", "third"))
	got, err = s.GetSetting(ctx, "vapid")
	require.NoError(t, err)
	assert.Equal(t, "third", got)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskd.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.PutCollection(ctx, model.Collection{Username: "alice", Version: 7}))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetCollection(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Version)
}
