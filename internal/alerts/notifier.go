package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"grvt-hedge-bot/internal/config"
	"grvt-hedge-bot/internal/metrics"

	"go.uber.org/zap"
)

// Notifier pushes operator alerts to the chat gateway with per-key
// deduplication. It is the only piece of state shared across instruments and
// is guarded by its own mutex.
type Notifier struct {
	enabled bool
	url     string
	chatID  string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
	now     func() time.Time
	sent    metrics.Counter

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewNotifier(cfg config.AlertsConfig, m *metrics.Metrics, log *zap.Logger) *Notifier {
	n := newNotifier(cfg, log, &http.Client{Timeout: cfg.Timeout}, time.Now)
	if m != nil {
		n.sent = m.AlertsSent
	}
	return n
}

func newNotifier(cfg config.AlertsConfig, log *zap.Logger, client *http.Client, now func() time.Time) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 6 * time.Second}
	}
	return &Notifier{
		enabled:  cfg.Enabled,
		url:      strings.TrimSpace(cfg.GatewayURL),
		chatID:   strings.TrimSpace(cfg.ChatID),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		client:   client,
		log:      log,
		now:      now,
		sent:     metrics.NewNoop().AlertsSent,
		lastSent: make(map[string]time.Time),
	}
}

// Notify sends "title\nmessage" unless the same key fired within cooldown.
// Send failures are logged, never retried within the tick.
func (n *Notifier) Notify(ctx context.Context, title, message, key string, cooldown time.Duration) {
	now := n.now()
	n.mu.Lock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = now
	n.mu.Unlock()
	n.log.Warn(title, zap.String("detail", message), zap.String("alert_key", key))
	if err := n.Send(ctx, title+"\n"+message); err != nil {
		n.log.Debug("alert send failed", zap.Error(err))
	}
}

// Send posts one message to the chat gateway without deduplication.
func (n *Notifier) Send(ctx context.Context, message string) error {
	if !n.enabled {
		return nil
	}
	if n.chatID == "" || n.apiKey == "" {
		return errors.New("alert chat_id and api_key are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("alert message is empty")
	}
	payload, err := json.Marshal(map[string]string{
		"chatId":  n.chatID,
		"message": message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", n.apiKey)
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("alert gateway: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	n.sent.Inc()
	return nil
}
