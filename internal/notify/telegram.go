package notify

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const DefaultTelegramURL = "https://api.telegram.org"

// TelegramSink posts events to a chat through the Bot API.
type TelegramSink struct {
	client *resty.Client
	token  string
	chatID string
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramSink creates a sink. baseURL may be empty.
func NewTelegramSink(baseURL, token, chatID string) (*TelegramSink, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("telegram token and chat id are required")
	}
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second)
	return &TelegramSink{client: client, token: token, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, ev Event) error {
	var out telegramResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"chat_id":                  s.chatID,
			"text":                     ev.Text,
			"disable_web_page_preview": true,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + s.token + "/sendMessage")
	if err != nil {
		return errors.Wrap(err, "telegram sendMessage")
	}
	if !resp.IsSuccess() || !out.OK {
		return errors.Errorf("telegram sendMessage: http %d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}
