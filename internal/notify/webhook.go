package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	TimestampHeader = "X-Webhook-Timestamp"
)

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type WebhookConfig struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxRetries int // 0 means 3, negative disables retries
	RetryWait  time.Duration
}

// WebhookNotifier POSTs each change as JSON to a single endpoint. When a
// secret is configured the body is signed with "sha256=<hex>" in
// X-Webhook-Signature. 5xx responses and transport errors are retried.
type WebhookNotifier struct {
	http   *resty.Client
	url    string
	secret string
	now    func() time.Time
}

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 3
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &WebhookNotifier{http: client, url: cfg.URL, secret: cfg.Secret, now: time.Now}
}

func (w *WebhookNotifier) Notify(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	req := w.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(DeliveryHeader, uuid.NewString()).
		SetHeader(TimestampHeader, w.now().UTC().Format(time.RFC3339)).
		SetBody(payload)
	if w.secret != "" {
		req.SetHeader(SignatureHeader, "sha256="+SignPayload(payload, w.secret))
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("deliver change %s/%s: %w", c.PatientID, c.EpisodeID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("deliver change %s/%s: non-2xx response: %d", c.PatientID, c.EpisodeID, resp.StatusCode())
	}
	return nil
}

func (w *WebhookNotifier) Close() error { return nil }

// Multi fans a change out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, c Change) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
