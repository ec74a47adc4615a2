// Package telegram delivers log alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sender implements logx.Sender on top of a telebot Bot. The bot never
// polls; it is only used to send.
type Sender struct {
	bot      sender
	chat     *tele.Chat
	threadID int
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newSender(b, cfg), nil
}

func newSender(b sender, cfg Config) *Sender {
	return &Sender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}
}

// SendAlert sends text as one or more plain messages.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              s.threadID,
		}
		if _, err := s.bot.Send(s.chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring a
// newline in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
