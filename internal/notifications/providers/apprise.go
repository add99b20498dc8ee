package providers

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// AppriseProvider delivers through the apprise CLI, which fans out to
// dozens of downstream services. Only usable when the binary is on PATH.
type AppriseProvider struct{}

// NewAppriseProvider creates an apprise provider.
func NewAppriseProvider() *AppriseProvider {
	return &AppriseProvider{}
}

func (p *AppriseProvider) Available() bool {
	_, err := exec.LookPath("apprise")
	return err == nil
}

func (p *AppriseProvider) Validate(config map[string]interface{}) error {
	_, err := parseAppriseURLs(config)
	return err
}

func (p *AppriseProvider) Send(ctx context.Context, message Message) error {
	if !p.Available() {
		return fmt.Errorf("apprise not installed")
	}
	urls, err := parseAppriseURLs(message.Config)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("apprise urls not configured")
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	args := append([]string{"-t", message.Title, "-b", message.Body}, urls...)
	output, err := exec.CommandContext(sendCtx, "apprise", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("apprise failed: %w (%s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// parseAppriseURLs accepts a list or a newline-separated string of target
// URLs.
func parseAppriseURLs(config map[string]interface{}) ([]string, error) {
	if config == nil {
		return nil, fmt.Errorf("apprise config missing")
	}
	raw, ok := config["urls"]
	if !ok {
		return nil, fmt.Errorf("apprise urls missing")
	}
	switch value := raw.(type) {
	case []string:
		return value, nil
	case []interface{}:
		urls := make([]string, 0, len(value))
		for _, item := range value {
			if text, ok := item.(string); ok && strings.TrimSpace(text) != "" {
				urls = append(urls, strings.TrimSpace(text))
			}
		}
		return urls, nil
	case string:
		var urls []string
		for _, part := range strings.Split(value, "\n") {
			if part = strings.TrimSpace(part); part != "" {
				urls = append(urls, part)
			}
		}
		return urls, nil
	default:
		return nil, fmt.Errorf("apprise urls must be a list of strings")
	}
}
