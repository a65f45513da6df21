// Package webhook implements lifecycle event dispatch (spec component
// C10): every Identity/Factor lifecycle transition is delivered,
// at-least-once, to subscriber URLs as an HMAC-SHA256-signed POST.
//
// No example in the retrieval pack implements outbound webhook signing or
// delivery (pkg/webhook in the teacher is a Kubernetes admission-webhook
// config helper, an unrelated concern — see DESIGN.md), so this package is
// grounded directly on crypto/hmac/crypto/sha256 for signing and the
// teacher's oklog/run-based background worker lifecycle pattern (as used
// in cmd/dex/serve.go) for the delivery loop.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SignatureHeader is the header carrying the hex-encoded HMAC-SHA256
// signature of the request body, per spec §4.10.
const SignatureHeader = "x-ext-auth-signature-sha256"

// EventType enumerates the lifecycle events subscribers can register for.
type EventType string

const (
	EventIdentityCreated        EventType = "IdentityCreated"
	EventIdentityAuthenticated  EventType = "IdentityAuthenticated"
	EventEmailFactorAdded       EventType = "EmailFactorAdded"
	EventEmailVerified          EventType = "EmailVerified"
	EventOneTimeCodeRequested   EventType = "OneTimeCodeRequested"
	EventOneTimeCodeVerified    EventType = "OneTimeCodeVerified"
	EventPasswordResetRequested EventType = "PasswordResetRequested"
	EventPasswordChanged        EventType = "PasswordChanged"
	EventMagicLinkRequested     EventType = "MagicLinkRequested"
)

// Event is the JSON body POSTed to a subscriber. EventID and Timestamp are
// stamped by Enqueue, not by callers, so every delivery (including retries
// of the same queued event) carries the one stable event_id and the time
// the event actually occurred, per spec §4.10.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       EventType `json:"event_type"`
	IdentityID string    `json:"identity_id"`
	FactorID   string    `json:"factor_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Subscription is one configured webhook endpoint (spec component C12's
// webhook subscriptions section).
type Subscription struct {
	URL    string
	Secret []byte
	Events map[EventType]bool
}

func (s Subscription) wants(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	return s.Events[t]
}

// delivery is one queued attempt.
type delivery struct {
	sub     Subscription
	event   Event
	attempt int
}

// Dispatcher queues events and delivers them to subscribers in the
// background, retrying transient failures with exponential backoff. Enqueue
// never blocks on network I/O: callers (spec handlers) must not be slowed
// down by a slow or unreachable subscriber.
type Dispatcher struct {
	subs   []Subscription
	client *http.Client
	logger *slog.Logger
	queue  chan delivery

	maxAttempts int
	baseBackoff time.Duration
}

// New builds a Dispatcher for the given subscriptions. Run must be called
// (typically under an oklog/run.Group, as the teacher's cmd/dex/serve.go
// runs its other background workers) to actually drain the queue.
func New(subs []Subscription, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:        subs,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		queue:       make(chan delivery, 1024),
		maxAttempts: 5,
		baseBackoff: time.Second,
	}
}

// Enqueue schedules event for delivery to every subscriber registered for
// its type. Non-blocking; if the internal queue is full the event is
// dropped and logged, rather than backing up the caller.
func (d *Dispatcher) Enqueue(event Event) {
	event.EventID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	for _, sub := range d.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case d.queue <- delivery{sub: sub, event: event}:
		default:
			d.logger.Warn("webhook queue full, dropping delivery", "event_type", event.Type, "url", sub.URL)
		}
	}
}

// Run drains the delivery queue until ctx is canceled. It is the run
// function passed to an oklog/run.Group alongside the server's listeners.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case del := <-d.queue:
			d.attempt(ctx, del)
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, del delivery) {
	body, err := json.Marshal(del.event)
	if err != nil {
		d.logger.Error("marshaling webhook event", "err", err)
		return
	}

	if err := d.deliver(ctx, del.sub, body); err != nil {
		del.attempt++
		if del.attempt >= d.maxAttempts {
			d.logger.Error("webhook delivery abandoned", "url", del.sub.URL, "event_type", del.event.Type, "attempts", del.attempt, "err", err)
			return
		}
		backoff := d.baseBackoff << uint(del.attempt)
		d.logger.Warn("webhook delivery failed, retrying", "url", del.sub.URL, "attempt", del.attempt, "backoff", backoff, "err", err)
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
				select {
				case d.queue <- del:
				default:
				}
			}
		}()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sign(sub.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: subscriber returned %s", resp.Status)
	}
	return nil
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against body, for servers that also
// accept inbound webhook-shaped calls in tests or federated deployments.
func Verify(secret, body []byte, signature string) bool {
	want := sign(secret, body)
	return hmac.Equal([]byte(want), []byte(signature))
}
