// Package notifier pushes transfer lifecycle notifications and delivery
// reports to an external webhook, typically the messaging stack owning the
// chat session.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type WebhookNotifier struct {
	WebhookURL string

	client *http.Client
}

func NewWebhook(webhookURL string) *WebhookNotifier {
	return &WebhookNotifier{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, content string) error {
	return n.post(ctx, map[string]string{"content": content})
}

// SendDeliveryStatus reports the disposition of a received file back to the
// chat stack, e.g. "displayed" once a download lands on disk.
func (n *WebhookNotifier) SendDeliveryStatus(ctx context.Context, contact, chatID, transferID, status string) error {
	return n.post(ctx, map[string]string{
		"contact":    contact,
		"chatId":     chatID,
		"transferId": transferID,
		"status":     status,
	})
}

// IsMediaEstablished reports whether a chat session can receive reports.
func (n *WebhookNotifier) IsMediaEstablished(chatID string) bool {
	return n.WebhookURL != ""
}

func (n *WebhookNotifier) post(ctx context.Context, payload map[string]string) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
