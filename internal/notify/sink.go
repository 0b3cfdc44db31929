package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sink delivers a composed notification to the outside world. Delivery is
// best effort: the message row is already committed when Send runs.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

type Notification struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Priority   string   `json:"priority"`
	ProjectID  string   `json:"project_id,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Recipients []string `json:"recipients"`
	SentAt     string   `json:"sent_at"`
}

// NoopSink is used when no webhook is configured.
type NoopSink struct{}

func (NoopSink) Send(context.Context, Notification) error { return nil }

// WebhookSink posts notifications as JSON to a configured endpoint. The
// payload is signed with HMAC-SHA256 when a secret is set.
type WebhookSink struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

func (s WebhookSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stagegate-Event", "notification")
	if s.Secret != "" {
		mac := hmac.New(sha256.New, []byte(s.Secret))
		mac.Write(payload)
		req.Header.Set("X-Stagegate-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
