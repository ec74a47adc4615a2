package app

import (
	"context"
	"sync"

	"pewcron/internal/config"
	"pewcron/internal/notify/telegram"
)

// alertSender lets the telegram target change on reload while the logx
// Service keeps a single Sender.
type alertSender struct {
	mu   sync.RWMutex
	cur  *telegram.Sender
	conf config.LoggingAlert
}

func (a *alertSender) SendAlert(ctx context.Context, text string) error {
	a.mu.RLock()
	s := a.cur
	a.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.SendAlert(ctx, text)
}

// apply rebuilds the telegram sender when the target changed.
func (a *alertSender) apply(c config.LoggingAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil && c.Enabled && c.Token == a.conf.Token && c.ChatID == a.conf.ChatID && c.ThreadID == a.conf.ThreadID {
		a.conf = c
		return nil
	}
	a.conf = c
	if !c.Enabled {
		a.cur = nil
		return nil
	}
	s, err := telegram.New(telegram.Config{Token: c.Token, ChatID: c.ChatID, ThreadID: c.ThreadID})
	if err != nil {
		a.cur = nil
		return err
	}
	a.cur = s
	return nil
}
