package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookProvider POSTs notifications as JSON to a configured URL.
type WebhookProvider struct {
	httpClient *http.Client
}

// NewWebhookProvider creates a webhook provider.
func NewWebhookProvider() *WebhookProvider {
	return &WebhookProvider{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) Available() bool {
	return true
}

func (p *WebhookProvider) Validate(config map[string]interface{}) error {
	_, err := webhookURL(config)
	return err
}

func (p *WebhookProvider) Send(ctx context.Context, message Message) error {
	target, err := webhookURL(message.Config)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event_type":     message.EventType,
		"title":          message.Title,
		"body":           message.Body,
		"severity":       message.Severity,
		"environment_id": message.EnvironmentID,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func webhookURL(config map[string]interface{}) (string, error) {
	if config == nil {
		return "", fmt.Errorf("webhook config missing")
	}
	raw, ok := config["url"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("webhook url missing")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("webhook url must be http or https")
	}
	return raw, nil
}
