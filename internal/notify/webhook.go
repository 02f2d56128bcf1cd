package notify

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

	"github.com/mbd888/bazaar/internal/circuitbreaker"
	"github.com/mbd888/bazaar/internal/retry"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Bazaar-Event"
	HeaderTimestamp = "X-Bazaar-Timestamp"
	HeaderSignature = "X-Bazaar-Signature"
)

// WebhookSink POSTs each event as JSON to a single endpoint, signed with
// HMAC-SHA256 when a secret is configured.
type WebhookSink struct {
	url      string
	secret   string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	attempts int
	backoff  time.Duration
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string, breaker *circuitbreaker.Breaker) *WebhookSink {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &WebhookSink{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  breaker,
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Notify(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.breaker.Do(w.url, func() error {
		return retry.Do(ctx, w.attempts, w.backoff, func() error {
			return w.post(ctx, ev, payload)
		})
	})
}

func (w *WebhookSink) post(ctx context.Context, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("webhook rejected event: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
