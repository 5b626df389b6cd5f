package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"airmon/internal/config"
	"airmon/internal/models"
)

const userAgent = "airmon/1.0"

type Webhook struct {
	cfg  config.WebhookChannel
	HTTP *http.Client
	now  func() time.Time
}

func NewWebhook(cfg config.WebhookChannel) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{cfg: cfg, HTTP: &http.Client{Timeout: timeout}, now: time.Now}
}

func (w *Webhook) Name() string  { return "webhook" }
func (w *Webhook) Enabled() bool { return w.cfg.Enabled }

func (w *Webhook) Send(ctx context.Context, a models.Alert) error {
	if !w.cfg.Enabled {
		return nil
	}
	payload := map[string]any{
		"alert_type": a.Type,
		"severity":   a.Severity,
		"title":      a.Title,
		"message":    a.Message,
		"data":       a.Data,
		"timestamp":  unixSeconds(a.Timestamp),
		"alert_id":   a.ID,
	}
	for k, v := range w.cfg.CustomFields {
		payload[k] = v
	}
	return w.post(ctx, payload)
}

func (w *Webhook) TestConnection(ctx context.Context) error {
	return w.post(ctx, map[string]any{
		"test":      true,
		"message":   "airmon webhook test",
		"timestamp": unixSeconds(w.now()),
	})
}

func (w *Webhook) post(ctx context.Context, payload map[string]any) error {
	if w.cfg.URL == "" {
		return errors.New("webhook: url not configured")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	res, err := w.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
