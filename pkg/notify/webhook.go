package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookConfig configures a JSON webhook destination.
type WebhookConfig struct {
	URL        string
	Token      string // Sent as a bearer token when set
	Timeout    time.Duration
	RetryLimit int
	Headers    map[string]string
}

// Webhook posts DeadJob payloads as JSON.
type Webhook struct {
	url    string
	client *resty.Client
}

// NewWebhook builds a webhook notifier. The URL is required.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("notify: webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := max(cfg.RetryLimit, 0)

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &Webhook{url: url, client: client}, nil
}

// NotifyDead implements Notifier.
func (w *Webhook) NotifyDead(ctx context.Context, job DeadJob) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(job).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify webhook: unexpected status %d", resp.StatusCode())
	}
	return nil
}
