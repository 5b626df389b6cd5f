package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"airmon/internal/models"
)

const telegramAPI = "https://api.telegram.org"

type Telegram struct {
	HTTP    *http.Client
	BaseURL string

	mu     sync.RWMutex
	token  string
	chatID string
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		BaseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Enabled() bool {
	token, chatID := t.credentials()
	return token != "" && chatID != ""
}

func (t *Telegram) Update(token, chatID string) {
	t.mu.Lock()
	t.token, t.chatID = token, chatID
	t.mu.Unlock()
}

func (t *Telegram) credentials() (string, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token, t.chatID
}

func (t *Telegram) Send(ctx context.Context, a models.Alert) error {
	if !t.Enabled() {
		return nil
	}
	msg := fmt.Sprintf("[%s] %s\n%s", strings.ToUpper(string(a.Severity)), a.Title, a.Message)
	return t.SendText(ctx, msg)
}

func (t *Telegram) SendText(ctx context.Context, msg string) error {
	token, chatID := t.credentials()
	if token == "" || chatID == "" {
		return fmt.Errorf("telegram not configured")
	}
	payload := map[string]any{"chat_id": chatID, "text": msg, "disable_web_page_preview": true}
	b, _ := json.Marshal(payload)
	return t.call(ctx, token, "sendMessage", b)
}

// TestConnection asks the Bot API who the bot is.
func (t *Telegram) TestConnection(ctx context.Context) error {
	token, chatID := t.credentials()
	if token == "" || chatID == "" {
		return fmt.Errorf("telegram not configured")
	}
	return t.call(ctx, token, "getMe", nil)
}

func (t *Telegram) call(ctx context.Context, token, method string, body []byte) error {
	u := fmt.Sprintf("%s/bot%s/%s", t.BaseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}
