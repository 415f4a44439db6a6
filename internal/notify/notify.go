package notify

import (
	"context"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
)

// Notifier delivers operator-facing messages. Delivery failures are logged
// and swallowed: a dead notification channel must never take down a capture
// run.
type Notifier interface {
	Send(ctx context.Context, message string)
	// SendHigh is for escalation alerts that should page the operator.
	SendHigh(ctx context.Context, message string)
}

// Multi fans a message out to every configured channel.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, message string) {
	for _, n := range m {
		n.Send(ctx, message)
	}
}

func (m Multi) SendHigh(ctx context.Context, message string) {
	for _, n := range m {
		n.SendHigh(ctx, message)
	}
}

// Build assembles the channels present in config. With nothing configured it
// returns an empty Multi, which silently drops messages.
func Build(cfg internal.AlertsConfig, log *logging.Logger) Multi {
	var out Multi
	if cfg.NtfyTopicURL != "" {
		out = append(out, NewNtfy(cfg.NtfyTopicURL, log))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, log)
		if err != nil {
			log.Errorf("notify: telegram init failed: %v", err)
		} else {
			out = append(out, tg)
		}
	}
	return out
}

// Ntfy publishes to an ntfy topic: one POST, message as the body. No retries.
type Ntfy struct {
	topicURL string
	client   *http.Client
	log      *logging.Logger
}

func NewNtfy(topicURL string, log *logging.Logger) *Ntfy {
	return &Ntfy{
		topicURL: topicURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

func (n *Ntfy) Send(ctx context.Context, message string) {
	n.post(ctx, message, "")
}

func (n *Ntfy) SendHigh(ctx context.Context, message string) {
	n.post(ctx, message, "high")
}

func (n *Ntfy) post(ctx context.Context, message, priority string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.topicURL, strings.NewReader(message))
	if err != nil {
		n.log.Errorf("ntfy: build request: %v", err)
		return
	}
	if priority != "" {
		req.Header.Set("Priority", priority)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Errorf("ntfy: post failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Errorf("ntfy: post returned %d", resp.StatusCode)
	}
}

// Telegram sends to a fixed chat via the bot API.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    *logging.Logger
}

func NewTelegram(token string, chatID int64, log *logging.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

func (t *Telegram) Send(ctx context.Context, message string) {
	msg := tgbotapi.NewMessage(t.chatID, message)
	if _, err := t.api.Send(msg); err != nil {
		t.log.Errorf("telegram: send failed: %v", err)
	}
}

func (t *Telegram) SendHigh(ctx context.Context, message string) {
	t.Send(ctx, "ALERT: "+message)
}
