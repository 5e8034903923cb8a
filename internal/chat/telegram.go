package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Telegram posts via the Bot API. channelID is the chat id, threadTS
// is the forum topic id (empty outside forums), messageID is the
// numeric message id as a string.
type Telegram struct {
	bot *telego.Bot
}

// NewTelegram creates a poster from a bot token. proxy is optional.
func NewTelegram(token, proxy string) (*Telegram, error) {
	var opts []telego.BotOption
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) Post(ctx context.Context, channelID, threadTS, text string) (string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}

	msg := tu.Message(tu.ID(chatID), text)
	if threadTS != "" {
		threadID, err := strconv.Atoi(threadTS)
		if err != nil {
			return "", fmt.Errorf("invalid thread id %q: %w", threadTS, err)
		}
		if threadID > 0 {
			msg.MessageThreadID = threadID
		}
	}

	sent, err := t.bot.SendMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) Edit(ctx context.Context, channelID, messageID, text string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}

	_, err = t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}
