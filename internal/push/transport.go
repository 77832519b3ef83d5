package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/nhle/task-sync/internal/model"
)

// Transport delivers an encoded payload to one subscription.
type Transport interface {
	Send(ctx context.Context, sub model.Subscription, payload []byte) error
}

// StatusError is returned by a Transport when the push service answers
// with a non-success HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// IsGone reports whether err says the endpoint no longer exists
// (404 Not Found or 410 Gone) and should be forgotten.
func IsGone(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusNotFound ||
		statusErr.StatusCode == http.StatusGone
}

// maxErrorBody caps how much of a failed response is kept for logging.
const maxErrorBody = 512

// WebPushOptions tunes the RFC 8030 transport.
type WebPushOptions struct {
	// Subject is the VAPID "sub" claim, a mailto: or https: contact.
	Subject string

	// TTL is how long the push service may hold an undelivered message.
	TTL time.Duration

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient webpush.HTTPClient
}

// WebPushTransport sends encrypted Web Push messages signed with VAPID.
type WebPushTransport struct {
	keys *Keys
	opts WebPushOptions
}

// NewWebPushTransport creates a transport signing with keys.
func NewWebPushTransport(keys *Keys, opts WebPushOptions) *WebPushTransport {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebPushTransport{keys: keys, opts: opts}
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
func (t *WebPushTransport) Send(ctx context.Context, sub model.Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      t.opts.HTTPClient,
		Subscriber:      t.opts.Subject,
		TTL:             int(t.opts.TTL / time.Second),
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  t.keys.PublicKey,
		VAPIDPrivateKey: t.keys.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("sending push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
