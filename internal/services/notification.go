package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/pkg/logger"
)

// Notifier pushes a message to the operators of a human's account. Delivery
// is best-effort: implementations report failure through the result and
// never return an error to the caller.
type Notifier interface {
	Notify(ctx context.Context, humanID uint, lines ...string) bool
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, humanID uint, lines ...string) bool {
	logger.Info().
		Uint("human_id", humanID).
		Str("text", strings.Join(lines, " ")).
		Msg("[Notification] Notify")
	return true
}

// WebhookNotifier posts notifications as JSON to a chat webhook. Long
// messages go out in several parts.
type WebhookNotifier struct {
	url    string
	format chatFormat
	client *http.Client
	maxLen int
}

// NewWebhookNotifier posts the generic payload to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return NewChatNotifier(&config.NotifyConfig{WebhookURL: url})
}

// NewChatNotifier posts in the payload format of cfg.Format: slack,
// discord, teams, telegram, wechat_work, dingtalk, feishu or generic.
func NewChatNotifier(cfg *config.NotifyConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:    cfg.WebhookURL,
		format: newChatFormat(cfg),
		client: &http.Client{Timeout: 10 * time.Second},
		maxLen: 4000,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, humanID uint, lines ...string) bool {
	text := strings.Join(lines, " ")
	parts := splitMessage(text, n.maxLen)
	for i, part := range parts {
		if err := n.postJSON(ctx, n.format.payload(humanID, part, i+1, len(parts))); err != nil {
			logger.Warnf("[Notification] Failed to notify human %d: %v", humanID, err)
			return false
		}
	}
	return true
}

func (n *WebhookNotifier) postJSON(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.format.endpoint(n.url), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	logger.Debug().Int("status", resp.StatusCode).Msg("[Notification] Webhook responded")

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// splitMessage splits a long message into chunks, trying to break at newlines
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var parts []string
	remaining := msg

	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			parts = append(parts, remaining)
			break
		}

		chunk := remaining[:maxLen]
		breakPoint := maxLen

		for i := len(chunk) - 1; i > maxLen/2; i-- {
			if chunk[i] == '\n' {
				breakPoint = i + 1
				break
			}
		}

		parts = append(parts, remaining[:breakPoint])
		remaining = remaining[breakPoint:]
	}

	return parts
}
