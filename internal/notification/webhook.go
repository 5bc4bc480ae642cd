package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookDispatcher posts an action payload to an external HTTP endpoint
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, url string, payload map[string]any) error
}

// HTTPWebhookDispatcher is the default WebhookDispatcher over net/http
type HTTPWebhookDispatcher struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPWebhookDispatcher creates a webhook dispatcher with the given timeout
func NewHTTPWebhookDispatcher(timeout time.Duration, logger *zap.Logger) *HTTPWebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhookDispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch posts the payload as JSON and treats any non-2xx response as failure
func (d *HTTPWebhookDispatcher) Dispatch(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	d.logger.Debug("Webhook dispatched", zap.String("url", url), zap.Int("status", resp.StatusCode))
	return nil
}
