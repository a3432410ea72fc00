package notification

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
	"net/url"
	"strings"
	"time"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. The number of attempts is
// one more than the number of delays.
func WithRetryDelays(d ...time.Duration) WebhookOption {
	return func(n *WebhookNotifier) { n.retryDelays = d }
}

// WebhookNotifier POSTs signed alert payloads to a single endpoint.
type WebhookNotifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookNotifier validates rawURL and returns a notifier posting to it.
func NewWebhookNotifier(rawURL, secret string, opts ...WebhookOption) (*WebhookNotifier, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	n := &WebhookNotifier{
		url:         rawURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// validateWebhookURL checks that the URL is non-empty and uses http or https.
func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Notify delivers msg, retrying on transport errors and 5xx responses.
// 4xx responses are not retried.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(n.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook delivery cancelled after %d attempts: %w", attempt, lastErr)
			case <-time.After(n.retryDelays[attempt-1]):
			}
		}
		retry, err := n.deliver(ctx, msg.AlertID, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func (n *WebhookNotifier) deliver(ctx context.Context, alertID string, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-ID", alertID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, n.secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	return resp.StatusCode >= 500, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
}
