package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/model"
)

type webhookPayload struct {
	model.Alert
	Text string `json:"text"`
}

// WebhookSender posts alerts as JSON to a URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a sender for url.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Sender.
func (w *WebhookSender) Name() string { return "webhook" }

// Send posts a single alert to the webhook URL.
func (w *WebhookSender) Send(ctx context.Context, a model.Alert) error {
	payload, err := json.Marshal(webhookPayload{Alert: a, Text: FormatAlert(a)})
	if err != nil {
		return eris.Wrap(err, "notify: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
