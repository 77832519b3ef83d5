package reminder_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/push"
	"github.com/nhle/task-sync/internal/reminder"
	"github.com/nhle/task-sync/internal/store"
	appsync "github.com/nhle/task-sync/internal/sync"
	"github.com/nhle/task-sync/tests/testutil"
)

const window = 5 * time.Minute

type recordingTransport struct {
	mu   gosync.Mutex
	msgs []model.Message
}

func (r *recordingTransport) Send(_ context.Context, _ model.Subscription, payload []byte) error {
	var msg model.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store     *store.SQLiteStore
	transport *recordingTransport
	scanner   *reminder.Scanner
	now       *int64
}

func newFixture(t *testing.T, subscribers ...string) *fixture {
	t.Helper()

	s := testutil.NewTestStore(t)
	now := new(int64)
	clock := testutil.FixedClock(now)
	transport := &recordingTransport{}

	for _, user := range subscribers {
		require.NoError(t, s.UpsertSubscription(context.Background(), model.Subscription{
			Endpoint: "https://push.example/" + user,
			Username: user,
			P256dh:   "k",
			Auth:     "a",
		}))
	}

	dispatcher := push.NewDispatcher(s, &push.Keys{PublicKey: "pub", PrivateKey: "priv"}, transport,
		push.WithLogger(quietLogger()))
	reconciler := appsync.NewReconciler(s, appsync.WithClock(clock))
	scanner := reminder.New(s, reconciler, dispatcher,
		reminder.Config{Window: window, URL: "/app"},
		reminder.WithClock(clock), reminder.WithLogger(quietLogger()))

	return &fixture{store: s, transport: transport, scanner: scanner, now: now}
}

func (f *fixture) seed(t *testing.T, user string, version int64, tasksJSON string) {
	t.Helper()
	var tasks []model.Task
	require.NoError(t, json.Unmarshal([]byte(tasksJSON), &tasks))
	require.NoError(t, f.store.PutCollection(context.Background(), model.Collection{
		Username: user,
		Tasks:    tasks,
		Version:  version,
	}))
}

func (f *fixture) collection(t *testing.T, user string) *model.Collection {
	t.Helper()
	c, err := f.store.GetCollection(context.Background(), user)
	require.NoError(t, err)
	return c
}

func TestScanDispatchesAndMarksDueTask(t *testing.T) {
	f := newFixture(t, "alice")
	f.seed(t, "alice", 5, `[{"id":"t1","title":"Dentist","remindAt":1000,"status":"active"}]`)

	*f.now = 1000
	res := f.scanner.RunOnce(context.Background())
	assert.Equal(t, 1, res.UsersScanned)
	assert.Equal(t, 1, res.TasksNotified)
	require.Equal(t, 1, f.transport.count())
	assert.Equal(t, "task-t1", f.transport.msgs[0].Tag)
	assert.Equal(t, "/app", f.transport.msgs[0].URL)

	c := f.collection(t, "alice")
	assert.Greater(t, c.Version, int64(5))
	require.NotNil(t, c.Tasks[0].NotifiedAt)
	assert.Equal(t, int64(1000), *c.Tasks[0].NotifiedAt)

	*f.now = 1030
	res = f.scanner.RunOnce(context.Background())
	assert.Equal(t, 0, res.TasksNotified)
	assert.Equal(t, 1, f.transport.count())
}

func TestScanWindowEdges(t *testing.T) {
	remindAt := int64(1_000_000)
	windowMs := window.Milliseconds()

	tests := []struct {
		name     string
		now      int64
		wantSent bool
	}{
		{name: "one ms early", now: remindAt - 1},
		{name: "exactly due", now: remindAt, wantSent: true},
		{name: "last ms of window", now: remindAt + windowMs - 1, wantSent: true},
		{name: "window closed", now: remindAt + windowMs},
		{name: "long past", now: remindAt + 10*windowMs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "alice")
			f.seed(t, "alice", 1, `[{"id":"t1","remindAt":1000000}]`)

			*f.now = tt.now
			f.scanner.RunOnce(context.Background())

			c := f.collection(t, "alice")
			if tt.wantSent {
				assert.Equal(t, 1, f.transport.count())
				require.NotNil(t, c.Tasks[0].NotifiedAt)
				assert.Equal(t, tt.now, *c.Tasks[0].NotifiedAt)
			} else {
				assert.Zero(t, f.transport.count())
				assert.Nil(t, c.Tasks[0].NotifiedAt)
				assert.Equal(t, int64(1), c.Version)
			}
		})
	}
}

func TestScanSkipsIneligibleTasks(t *testing.T) {
	f := newFixture(t, "alice")
	f.seed(t, "alice", 1, `[
		{"id":"done","remindAt":1000,"status":"completed"},
		{"id":"gone","remindAt":1000,"deletedAt":1500},
		{"id":"plain"},
		{"id":"handled","remindAt":1000,"notifiedAt":1000},
		{"id":"handled-late","remindAt":1000,"notifiedAt":1100}
	]`)

	*f.now = 2000
	res := f.scanner.RunOnce(context.Background())
	assert.Zero(t, res.TasksNotified)
	assert.Zero(t, f.transport.count())
	assert.Equal(t, int64(1), f.collection(t, "alice").Version)
}

func TestScanRearmedReminderFiresAgain(t *testing.T) {
	f := newFixture(t, "alice")
	// notifiedAt is from an earlier reminder; the client moved remindAt later.
	f.seed(t, "alice", 1, `[{"id":"t1","remindAt":5000,"notifiedAt":1000}]`)

	*f.now = 5000
	res := f.scanner.RunOnce(context.Background())
	assert.Equal(t, 1, res.TasksNotified)
	assert.Equal(t, int64(5000), *f.collection(t, "alice").Tasks[0].NotifiedAt)
}

func TestScanPreservesOtherTasksAndFields(t *testing.T) {
	f := newFixture(t, "alice")
	f.seed(t, "alice", 1, `[
		{"id":"t1","remindAt":1000,"color":"blue"},
		{"id":"t2","title":"later","remindAt":999999}
	]`)

	*f.now = 1000
	f.scanner.RunOnce(context.Background())

	c := f.collection(t, "alice")
	require.Len(t, c.Tasks, 2)
	color, ok := c.Tasks[0].Extra("color")
	require.True(t, ok)
	assert.Equal(t, `"blue"`, string(color))
	assert.Nil(t, c.Tasks[1].NotifiedAt)
	assert.Equal(t, "later", c.Tasks[1].Title)
}

func TestScanWithoutSubscriptionsLeavesTaskPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", 1, `[{"id":"t1","remindAt":1000}]`)

	*f.now = 1000
	res := f.scanner.RunOnce(context.Background())
	assert.Zero(t, res.TasksNotified)
	assert.Nil(t, f.collection(t, "alice").Tasks[0].NotifiedAt)
}

func TestScanNotConfiguredDoesNothing(t *testing.T) {
	s := testutil.NewTestStore(t)
	transport := &recordingTransport{}
	dispatcher := push.NewDispatcher(s, nil, transport)
	scanner := reminder.New(s, appsync.NewReconciler(s), dispatcher, reminder.Config{},
		reminder.WithLogger(quietLogger()))

	require.NoError(t, s.PutCollection(context.Background(), model.Collection{
		Username: "alice",
		Tasks:    []model.Task{{ID: "t1", RemindAt: model.Millis(time.Now().UnixMilli())}},
		Version:  1,
	}))

	res := scanner.RunOnce(context.Background())
	assert.Zero(t, res.UsersScanned)
	assert.Zero(t, transport.count())
}

// flakyStore fails reads for one user.
type flakyStore struct {
	store.CollectionStore
	failUser string
}

func (s *flakyStore) GetCollection(ctx context.Context, username string) (*model.Collection, error) {
	if username == s.failUser {
		return nil, errors.New("corrupt row")
	}
	return s.CollectionStore.GetCollection(ctx, username)
}

func TestScanIsolatesUserFailures(t *testing.T) {
	base := testutil.NewTestStore(t)
	ctx := context.Background()
	for _, user := range []string{"alice", "bob", "carol"} {
		require.NoError(t, base.UpsertSubscription(ctx, model.Subscription{
			Endpoint: "https://push.example/" + user, Username: user, P256dh: "k", Auth: "a",
		}))
		require.NoError(t, base.PutCollection(ctx, model.Collection{
			Username: user,
			Tasks:    []model.Task{{ID: "t1", RemindAt: model.Millis(1000)}},
			Version:  1,
		}))
	}

	now := int64(1000)
	clock := testutil.FixedClock(&now)
	transport := &recordingTransport{}
	dispatcher := push.NewDispatcher(base, &push.Keys{PublicKey: "p", PrivateKey: "k"}, transport,
		push.WithLogger(quietLogger()))
	scanner := reminder.New(&flakyStore{CollectionStore: base, failUser: "bob"},
		appsync.NewReconciler(base, appsync.WithClock(clock)), dispatcher,
		reminder.Config{Window: window},
		reminder.WithClock(clock), reminder.WithLogger(quietLogger()))

	res := scanner.RunOnce(ctx)
	assert.Equal(t, 3, res.UsersScanned)
	assert.Equal(t, 2, res.TasksNotified)
	assert.Equal(t, 1, res.UserErrors)
	assert.Equal(t, 2, transport.count())

	st := scanner.Status()
	assert.Contains(t, st.LastError, "corrupt row")
	assert.Equal(t, 2, st.TasksNotified)
}

// racingPublisher simulates a client sync landing between the scanner's
// read and its write-back.
type racingPublisher struct {
	store store.CollectionStore
	inner *appsync.Reconciler
}

func (p *racingPublisher) Publish(ctx context.Context, username string, req appsync.PublishRequest) (appsync.PublishResult, error) {
	if err := p.store.PutCollection(ctx, model.Collection{Username: username, Version: req.Version + 100}); err != nil {
		return appsync.PublishResult{}, err
	}
	return p.inner.Publish(ctx, username, req)
}

func TestScanWriteBackConflictDoesNotClobberClient(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSubscription(ctx, model.Subscription{
		Endpoint: "https://push.example/alice", Username: "alice", P256dh: "k", Auth: "a",
	}))
	require.NoError(t, s.PutCollection(ctx, model.Collection{
		Username: "alice",
		Tasks:    []model.Task{{ID: "t1", RemindAt: model.Millis(1000)}},
		Version:  1,
	}))

	now := int64(1000)
	clock := testutil.FixedClock(&now)
	dispatcher := push.NewDispatcher(s, &push.Keys{PublicKey: "p", PrivateKey: "k"}, &recordingTransport{},
		push.WithLogger(quietLogger()))
	scanner := reminder.New(s,
		&racingPublisher{store: s, inner: appsync.NewReconciler(s, appsync.WithClock(clock))},
		dispatcher, reminder.Config{Window: window},
		reminder.WithClock(clock), reminder.WithLogger(quietLogger()))

	// The client's sync removed the task, so there is nothing left to mark.
	res := scanner.RunOnce(ctx)
	assert.Equal(t, 0, res.UserErrors)
	assert.Equal(t, 0, res.TasksNotified)

	c, err := s.GetCollection(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(101), c.Version)
	assert.Empty(t, c.Tasks)
}

// syncingDispatcher publishes the user's unchanged tasks, as a second
// device would, while the first reminder is being sent.
type syncingDispatcher struct {
	inner reminder.Dispatcher
	sync  func(ctx context.Context, username string)
	once  gosync.Once
}

func (d *syncingDispatcher) Configured() bool { return d.inner.Configured() }

func (d *syncingDispatcher) Dispatch(ctx context.Context, username string, msg model.Message) (bool, error) {
	d.once.Do(func() { d.sync(ctx, username) })
	return d.inner.Dispatch(ctx, username, msg)
}

func TestScanWriteBackReappliesMarkersAfterClientSync(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSubscription(ctx, model.Subscription{
		Endpoint: "https://push.example/alice", Username: "alice", P256dh: "k", Auth: "a",
	}))

	var tasks []model.Task
	require.NoError(t, json.Unmarshal([]byte(
		`[{"id":"t1","title":"Dentist","remindAt":1000,"color":"red"},{"id":"t2","title":"Later","remindAt":900000}]`,
	), &tasks))
	require.NoError(t, s.PutCollection(ctx, model.Collection{Username: "alice", Tasks: tasks, Version: 5}))

	now := int64(1000)
	clock := testutil.FixedClock(&now)
	transport := &recordingTransport{}
	reconciler := appsync.NewReconciler(s, appsync.WithClock(clock))
	dispatcher := &syncingDispatcher{
		inner: push.NewDispatcher(s, &push.Keys{PublicKey: "p", PrivateKey: "k"}, transport,
			push.WithLogger(quietLogger())),
		sync: func(ctx context.Context, username string) {
			_, err := reconciler.Publish(ctx, username, appsync.PublishRequest{Tasks: tasks, Version: 5})
			require.NoError(t, err)
		},
	}
	scanner := reminder.New(s, reconciler, dispatcher, reminder.Config{Window: window},
		reminder.WithClock(clock), reminder.WithLogger(quietLogger()))

	res := scanner.RunOnce(ctx)
	assert.Equal(t, 0, res.UserErrors)
	assert.Equal(t, 1, res.TasksNotified)

	c, err := s.GetCollection(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, c.Tasks, 2)
	require.NotNil(t, c.Tasks[0].NotifiedAt)
	assert.Equal(t, int64(1000), *c.Tasks[0].NotifiedAt)
	assert.Nil(t, c.Tasks[1].NotifiedAt)
	color, ok := c.Tasks[0].Extra("color")
	require.True(t, ok)
	assert.JSONEq(t, `"red"`, string(color))

	// Next tick, still inside the window.
	now = 31_000
	res = scanner.RunOnce(ctx)
	assert.Equal(t, 0, res.TasksNotified)
	assert.Equal(t, 1, transport.count())
}

// stubbornClient re-stores the unmarked tasks at a newer version before
// every write-back, so the scanner never wins.
type stubbornClient struct {
	store store.CollectionStore
	inner *appsync.Reconciler
	tasks []model.Task
	calls int
}

func (p *stubbornClient) Publish(ctx context.Context, username string, req appsync.PublishRequest) (appsync.PublishResult, error) {
	p.calls++
	if err := p.store.PutCollection(ctx, model.Collection{
		Username: username,
		Tasks:    p.tasks,
		Version:  req.Version + 100,
	}); err != nil {
		return appsync.PublishResult{}, err
	}
	return p.inner.Publish(ctx, username, req)
}

func TestScanWriteBackRetriesAreBounded(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSubscription(ctx, model.Subscription{
		Endpoint: "https://push.example/alice", Username: "alice", P256dh: "k", Auth: "a",
	}))
	tasks := []model.Task{{ID: "t1", RemindAt: model.Millis(1000)}}
	require.NoError(t, s.PutCollection(ctx, model.Collection{Username: "alice", Tasks: tasks, Version: 1}))

	now := int64(1000)
	clock := testutil.FixedClock(&now)
	client := &stubbornClient{store: s, inner: appsync.NewReconciler(s, appsync.WithClock(clock)), tasks: tasks}
	dispatcher := push.NewDispatcher(s, &push.Keys{PublicKey: "p", PrivateKey: "k"}, &recordingTransport{},
		push.WithLogger(quietLogger()))
	scanner := reminder.New(s, client, dispatcher, reminder.Config{Window: window},
		reminder.WithClock(clock), reminder.WithLogger(quietLogger()))

	res := scanner.RunOnce(ctx)
	assert.Equal(t, 1, res.UserErrors)
	assert.Equal(t, 0, res.TasksNotified)
	assert.Equal(t, 3, client.calls)

	c, err := s.GetCollection(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, c.Tasks[0].NotifiedAt)
}

// blockingDispatcher holds Dispatch open until released.
type blockingDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDispatcher) Configured() bool { return true }

func (d *blockingDispatcher) Dispatch(ctx context.Context, username string, msg model.Message) (bool, error) {
	d.entered <- struct{}{}
	<-d.release
	return false, nil
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	s := testutil.NewTestStore(t)
	require.NoError(t, s.PutCollection(context.Background(), model.Collection{
		Username: "alice",
		Tasks:    []model.Task{{ID: "t1", RemindAt: model.Millis(1000)}},
		Version:  1,
	}))

	now := int64(1000)
	d := &blockingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	scanner := reminder.New(s, appsync.NewReconciler(s), d, reminder.Config{Window: window},
		reminder.WithClock(testutil.FixedClock(&now)), reminder.WithLogger(quietLogger()))

	first := make(chan reminder.RunResult, 1)
	go func() { first <- scanner.RunOnce(context.Background()) }()
	<-d.entered

	assert.True(t, scanner.Status().Running)
	second := scanner.RunOnce(context.Background())
	assert.True(t, second.Skipped)
	assert.Equal(t, int64(1), scanner.Status().SkippedTicks)

	close(d.release)
	res := <-first
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.UsersScanned)
	assert.False(t, scanner.Status().Running)
}

func TestStartTriggerStop(t *testing.T) {
	f := newFixture(t, "alice")
	f.seed(t, "alice", 1, `[{"id":"t1","remindAt":1000}]`)
	*f.now = 1000

	f.scanner.Start()
	f.scanner.Start()
	f.scanner.Trigger()

	require.Eventually(t, func() bool {
		return f.transport.count() == 1 && !f.scanner.Status().LastFinished.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	f.scanner.Stop()
	f.scanner.Stop()

	assert.Equal(t, 1, f.scanner.Status().TasksNotified)
}

func TestDue(t *testing.T) {
	task := model.Task{ID: "t1", RemindAt: model.Millis(100)}
	assert.False(t, reminder.Due(task, 99, 10))
	assert.True(t, reminder.Due(task, 100, 10))
	assert.True(t, reminder.Due(task, 109, 10))
	assert.False(t, reminder.Due(task, 110, 10))
}
