package reminder

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/push"
	"github.com/nhle/task-sync/internal/store"
	appsync "github.com/nhle/task-sync/internal/sync"
)

// DefaultWindow is how long after remindAt a reminder may still fire.
const DefaultWindow = 5 * time.Minute

// DefaultInterval is the time between scans.
const DefaultInterval = 30 * time.Second

// runTimeout bounds a single scan so a stuck store cannot pin the
// single-flight guard forever.
const runTimeout = 5 * time.Minute

// Dispatcher is the subset of push.Dispatcher the scanner needs.
type Dispatcher interface {
	Configured() bool
	Dispatch(ctx context.Context, username string, msg model.Message) (bool, error)
}

// Publisher writes a collection back through the sync protocol.
type Publisher interface {
	Publish(ctx context.Context, username string, req appsync.PublishRequest) (appsync.PublishResult, error)
}

// Status is a snapshot of the scanner's recent activity.
type Status struct {
	Running       bool
	LastStarted   time.Time
	LastFinished  time.Time
	UsersScanned  int
	TasksNotified int
	UserErrors    int
	SkippedTicks  int64
	LastError     string
}

// RunResult summarizes a single scan.
type RunResult struct {
	Skipped       bool
	UsersScanned  int
	TasksNotified int
	UserErrors    int
}

// Config tunes a Scanner.
type Config struct {
	Interval time.Duration
	Window   time.Duration
	// URL is opened when a reminder notification is tapped.
	URL string
}

// Scanner periodically walks every user's tasks and sends reminders
// that have come due. At most one scan runs at a time; a tick that
// arrives while a scan is in progress is dropped.
type Scanner struct {
	collections store.CollectionStore
	publisher   Publisher
	dispatcher  Dispatcher
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	busy    atomic.Bool
	skipped atomic.Int64

	mu      gosync.Mutex
	status  Status
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	trigger chan struct{}
	scans   gosync.WaitGroup
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock overrides the wall clock used as the scan timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// WithLogger sets the scanner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scanner. Zero values in cfg fall back to the defaults.
func New(
	collections store.CollectionStore,
	publisher Publisher,
	dispatcher Dispatcher,
	cfg Config,
	opts ...Option,
) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	s := &Scanner{
		collections: collections,
		publisher:   publisher,
		dispatcher:  dispatcher,
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the ticker loop in a goroutine. Calling Start on a
// running scanner does nothing.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
}

// Stop halts the ticker loop and waits for an in-progress scan to end.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.doneCh
	s.running = false
	s.mu.Unlock()

	<-done
	s.scans.Wait()
}

// Trigger requests a scan as soon as the loop is free. Requests made
// while one is already pending are merged.
func (s *Scanner) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the scanner's state.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	st.Running = s.busy.Load()
	st.SkippedTicks = s.skipped.Load()
	return st
}

func (s *Scanner) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("reminder scanner started",
		"interval", s.cfg.Interval, "window", s.cfg.Window)

	for {
		select {
		case <-stopCh:
			s.logger.Info("reminder scanner stopped")
			return
		case <-ticker.C:
			s.tick()
		case <-s.trigger:
			s.tick()
		}
	}
}

// tick runs a scan in the background so the loop keeps receiving ticks;
// ticks that land while the scan is still going are counted and dropped.
func (s *Scanner) tick() {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return
	}
	s.scans.Add(1)
	go func() {
		defer s.scans.Done()
		defer s.busy.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		s.scan(ctx)
	}()
}

// RunOnce performs a single scan synchronously. It returns a result with
// Skipped set if another scan is already in progress.
func (s *Scanner) RunOnce(ctx context.Context) RunResult {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return RunResult{Skipped: true}
	}
	defer s.busy.Store(false)

	return s.scan(ctx)
}

// scan must only be called while holding the busy flag.
func (s *Scanner) scan(ctx context.Context) RunResult {
	var result RunResult
	if s.dispatcher == nil || !s.dispatcher.Configured() {
		return result
	}

	started := s.now()
	s.mu.Lock()
	s.status.LastStarted = started
	s.mu.Unlock()

	var lastErr error
	usernames, err := s.collections.ListUsernames(ctx)
	if err != nil {
		s.logger.Error("reminder scan: listing users failed", "error", err)
		lastErr = err
	}

	nowMs := started.UnixMilli()
	for _, username := range usernames {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		result.UsersScanned++

		notified, err := s.processUser(ctx, username, nowMs)
		result.TasksNotified += notified
		if err != nil {
			result.UserErrors++
			lastErr = err
			s.logger.Error("reminder scan: user failed",
				"user", username, "error", err)
		}
	}

	s.mu.Lock()
	s.status.LastFinished = s.now()
	s.status.UsersScanned = result.UsersScanned
	s.status.TasksNotified = result.TasksNotified
	s.status.UserErrors = result.UserErrors
	s.status.LastError = ""
	if lastErr != nil {
		s.status.LastError = lastErr.Error()
	}
	s.mu.Unlock()

	if result.TasksNotified > 0 || result.UserErrors > 0 {
		s.logger.Info("reminder scan finished",
			"users", result.UsersScanned,
			"notified", result.TasksNotified,
			"errors", result.UserErrors)
	}
	return result
}

// processUser dispatches every due reminder in username's collection and,
// if any task was marked, writes the collection back at the version it
// was read at. It returns how many tasks were marked as notified.
func (s *Scanner) processUser(ctx context.Context, username string, nowMs int64) (int, error) {
	c, err := s.collections.GetCollection(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	window := s.cfg.Window.Milliseconds()
	var sent []sentReminder

	for i := range c.Tasks {
		task := &c.Tasks[i]
		if !Due(*task, nowMs, window) {
			continue
		}

		msg := push.BuildReminderPayload(*task, s.cfg.URL)
		ok, err := s.dispatcher.Dispatch(ctx, c.Username, msg)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		task.NotifiedAt = model.Millis(nowMs)
		sent = append(sent, sentReminder{id: task.ID, remindAt: *task.RemindAt})
	}

	if len(sent) == 0 {
		return 0, nil
	}
	return s.writeBack(ctx, c, sent, nowMs)
}

// writeBackAttempts bounds how often markers are re-applied after losing
// the write-back to a concurrent sync.
const writeBackAttempts = 3

// sentReminder identifies a reminder that was dispatched during a scan.
type sentReminder struct {
	id       string
	remindAt int64
}

// writeBack publishes c at the version it was read at. When a client
// synced in the meantime, the markers are applied again to the client's
// newer collection and the write is retried, so a reminder that went out
// is recorded without overwriting the client's edits.
func (s *Scanner) writeBack(ctx context.Context, c *model.Collection, sent []sentReminder, nowMs int64) (int, error) {
	marked := len(sent)
	var lastConflict error

	for attempt := 0; attempt < writeBackAttempts; attempt++ {
		_, err := s.publisher.Publish(ctx, c.Username, appsync.PublishRequest{
			Tasks:   c.Tasks,
			Version: c.Version,
		})
		if err == nil {
			return marked, nil
		}
		conflict, ok := appsync.IsConflict(err)
		if !ok {
			return 0, err
		}
		lastConflict = conflict

		fresh, err := s.collections.GetCollection(ctx, c.Username)
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		marked = applyMarkers(fresh.Tasks, sent, nowMs)
		if marked == 0 {
			// The client removed, re-armed or already marked every task.
			return 0, nil
		}
		c = fresh
	}

	return 0, errors.Join(errors.New("writing notified markers lost to concurrent syncs"), lastConflict)
}

// applyMarkers sets notifiedAt on tasks that still carry a reminder this
// scan sent and are not yet marked. It returns how many were set.
func applyMarkers(tasks []model.Task, sent []sentReminder, nowMs int64) int {
	byID := make(map[string]int64, len(sent))
	for _, r := range sent {
		byID[r.id] = r.remindAt
	}

	n := 0
	for i := range tasks {
		task := &tasks[i]
		remindAt, ok := byID[task.ID]
		if !ok || !task.Remindable() || *task.RemindAt != remindAt || task.Notified() {
			continue
		}
		task.NotifiedAt = model.Millis(nowMs)
		n++
	}
	return n
}

// Due reports whether task's reminder should fire at nowMs given a
// delivery window of windowMs milliseconds. The window is half-open:
// [remindAt, remindAt+window).
func Due(task model.Task, nowMs, windowMs int64) bool {
	if !task.Remindable() || task.Notified() {
		return false
	}
	remindAt := *task.RemindAt
	return nowMs >= remindAt && nowMs < remindAt+windowMs
}
