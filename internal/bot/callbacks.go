package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdTrack   = "track"
	cmdUntrack = "untrack"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	b.ack(cb.ID, "")

	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	action, centerID, ok := strings.Cut(cb.Data, ":")
	if !ok || centerID == "" {
		return
	}

	b.log.Info("callback",
		"action", action,
		"center", centerID,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdTrack:
		b.handleTrack(ctx, chatID, centerID)
	case cmdUntrack:
		b.handleUntrack(ctx, chatID, centerID)
	}
}
