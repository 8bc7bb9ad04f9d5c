package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	signatureHeader       = "X-Dbaspect-Signature"
)

// WebhookPublisher posts ledger notifications to one HTTP endpoint.
//
// Requests carry X-Dbaspect-Signature: t=<unix seconds>,v1=<hex HMAC-SHA256
// of "<t>.<body>">, so receivers can reject stale replays. Network errors and
// 5xx/429 responses are retried; X-Dbaspect-Event-Id stays the same across
// attempts for receiver-side dedupe.
type WebhookPublisher struct {
	url     string
	secret  []byte
	client  *http.Client
	clock   ports.Clock
	logger  *zap.Logger
	retries uint64
	backoff time.Duration
}

type WebhookOption func(*WebhookPublisher)

func WithWebhookRetries(n uint64, backoff time.Duration) WebhookOption {
	return func(p *WebhookPublisher) {
		p.retries = n
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

func WithWebhookClock(c ports.Clock) WebhookOption {
	return func(p *WebhookPublisher) { p.clock = c }
}

func WithWebhookLogger(l *zap.Logger) WebhookOption {
	return func(p *WebhookPublisher) { p.logger = l }
}

// NewWebhookPublisher returns a publisher for url. A zero or negative timeout
// falls back to 10s per attempt.
func NewWebhookPublisher(url, secret string, timeout time.Duration, opts ...WebhookOption) *WebhookPublisher {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	p := &WebhookPublisher{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: timeout},
		clock:   clock.System{},
		logger:  zap.NewNop(),
		retries: 2,
		backoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

func (p *WebhookPublisher) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(p.retries, retry.NewExponential(p.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := p.send(ctx, topic, event, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if transient, ok := err.(*deliveryError); ok && transient.retryable {
			p.logger.Warn("webhook delivery failed, retrying",
				zap.String("event_id", event.EventID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

type deliveryError struct {
	status    int
	retryable bool
	err       error
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return "send webhook: " + e.err.Error()
	}
	return fmt.Sprintf("webhook returned status %d", e.status)
}

func (e *deliveryError) Unwrap() error { return e.err }

func (p *WebhookPublisher) send(ctx context.Context, topic string, event domain.EventEnvelope, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	ts := strconv.FormatInt(p.clock.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dbaspect-Topic", topic)
	req.Header.Set("X-Dbaspect-Event-Id", event.EventID)
	req.Header.Set("X-Dbaspect-Event-Type", event.EventType)
	req.Header.Set("X-Dbaspect-Accessor", event.Accessor)
	req.Header.Set(signatureHeader, "t="+ts+",v1="+Sign(p.secret, ts, payload))

	resp, err := p.client.Do(req)
	if err != nil {
		return &deliveryError{retryable: true, err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{
			status:    resp.StatusCode,
			retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
