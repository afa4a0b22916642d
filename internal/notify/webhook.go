// Package notify delivers trade summaries to a Discord-compatible webhook.
// Delivery is strictly fire-and-forget: a failed webhook never disturbs the
// trading loop.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type WebhookNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
	logger     *logrus.Logger
}

func NewWebhookNotifier(webhookURL string, logger *logrus.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL: webhookURL,
		enabled:    webhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Notify posts one embed. Errors are logged and swallowed.
func (n *WebhookNotifier) Notify(title, message string) {
	if !n.enabled {
		return
	}

	if err := n.send(title, message); err != nil {
		n.logger.WithError(err).WithField("title", title).Warn("Notification delivery failed")
	}
}

func (n *WebhookNotifier) send(title, message string) error {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"timestamp":   time.Now().Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}

	return nil
}
