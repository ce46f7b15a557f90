package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// WebhookDispatcher POSTs notifications as JSON. Template "slack" sends a
// Block Kit message, anything else the generic payload.
type WebhookDispatcher struct {
	client   *http.Client
	url      string
	template string
	logger   zerolog.Logger
}

func NewWebhookDispatcher(url, template string, logger zerolog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		url:      url,
		template: template,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// GenericWebhookPayload is the default JSON payload for webhooks.
type GenericWebhookPayload struct {
	Event        string       `json:"event"`
	Notification Notification `json:"notification"`
}

func (d *WebhookDispatcher) Send(ctx context.Context, n Notification) error {
	var body []byte
	var err error

	switch d.template {
	case "slack":
		body, err = buildSlackPayload(n)
	default:
		body, err = json.Marshal(GenericWebhookPayload{Event: "backup.failed", Notification: n})
	}
	if err != nil {
		return fmt.Errorf("build webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	d.logger.Debug().Str("title", n.Title).Msg("notification delivered")
	return nil
}

// buildSlackPayload creates a Slack Block Kit message.
func buildSlackPayload(n Notification) ([]byte, error) {
	keys := make([]string, 0, len(n.Metadata))
	for k := range n.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", k, n.Metadata[k]),
		})
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]string{
				"type": "plain_text",
				"text": n.Title,
			},
		},
		{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf(":rotating_light: %s", n.Message),
			},
		},
	}
	if len(fields) > 0 {
		blocks = append(blocks, map[string]interface{}{
			"type":   "section",
			"fields": fields,
		})
	}

	return json.Marshal(map[string]interface{}{
		"blocks": blocks,
	})
}
