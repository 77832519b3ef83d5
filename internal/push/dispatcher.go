package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/store"
)

// defaultConcurrency bounds in-flight sends for a single Dispatch call.
const defaultConcurrency = 8

// Dispatcher fans a message out to every subscription a user owns.
// Delivery is best effort: individual failures are logged, and endpoints
// the push service reports as gone are removed.
type Dispatcher struct {
	subs        store.SubscriptionStore
	keys        *Keys
	transport   Transport
	logger      *slog.Logger
	concurrency int
	sendTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithConcurrency caps how many subscriptions are sent to at once.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithSendTimeout bounds each individual send.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.sendTimeout = timeout
	}
}

// NewDispatcher creates a Dispatcher. A nil keys or transport yields an
// unconfigured Dispatcher whose Dispatch is a no-op.
func NewDispatcher(
	subs store.SubscriptionStore,
	keys *Keys,
	transport Transport,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		subs:        subs,
		keys:        keys,
		transport:   transport,
		logger:      slog.Default(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Configured reports whether signing keys are available.
func (d *Dispatcher) Configured() bool {
	return d != nil && d.keys != nil && d.transport != nil
}

// PublicKey returns the VAPID public key clients subscribe with.
func (d *Dispatcher) PublicKey() (string, error) {
	if !d.Configured() {
		return "", ErrNotConfigured
	}
	return d.keys.PublicKey, nil
}

// Dispatch sends msg to all of username's subscriptions concurrently and
// waits for every attempt to finish. It returns true when at least one
// delivery was attempted; that says nothing about receipt. An error is
// returned only when the subscriptions could not be loaded.
func (d *Dispatcher) Dispatch(ctx context.Context, username string, msg model.Message) (bool, error) {
	if !d.Configured() {
		return false, nil
	}

	subs, err := d.subs.GetSubscriptionsForUser(ctx, username)
	if err != nil {
		return false, fmt.Errorf("loading subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return false, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encoding message: %w", err)
	}

	p := pool.New().WithMaxGoroutines(d.concurrency)
	for _, sub := range subs {
		p.Go(func() {
			d.deliver(ctx, sub, payload)
		})
	}
	p.Wait()

	return true, nil
}

// deliver performs one send and handles its failure. It never returns an
// error so that one endpoint cannot affect the others.
func (d *Dispatcher) deliver(ctx context.Context, sub model.Subscription, payload []byte) {
	sendCtx := ctx
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}

	err := d.transport.Send(sendCtx, sub, payload)
	if err == nil {
		return
	}

	if IsGone(err) {
		if delErr := d.subs.DeleteSubscription(ctx, sub.Endpoint); delErr != nil {
			d.logger.Warn("removing expired subscription failed",
				"user", sub.Username, "subscription", sub.ID, "error", delErr)
			return
		}
		d.logger.Info("removed expired subscription",
			"user", sub.Username, "subscription", sub.ID, "error", err)
		return
	}

	d.logger.Warn("push delivery failed",
		"user", sub.Username, "subscription", sub.ID, "error", err)
}
