package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier posts the rendered alert as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

type webhookPayload struct {
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	Severity  string `json:"severity"`
	RunID     string `json:"run_id"`
	Anomalies int    `json:"anomalies"`
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify posts {subject, text, severity} to the configured URL.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(webhookPayload{
		Subject:   Subject(note),
		Text:      Render(note),
		Severity:  string(note.TopSeverity()),
		RunID:     note.Summary.RunID,
		Anomalies: len(note.Reports),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	n.logger.Info().Str("run_id", note.Summary.RunID).Int("anomalies", len(note.Reports)).Msg("alert sent (webhook)")
	return nil
}

// Fanout delivers a notification to every notifier and joins their errors.
type Fanout []Notifier

// Notify implements Notifier. One failing channel does not stop the others.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = Fanout(nil)
)
