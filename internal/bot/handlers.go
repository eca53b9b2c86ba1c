package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"slot_bot/internal/model"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, `Welcome to the appointment slot bot!

Track enrollment centers and get a message as soon as an interview slot opens up.

Quick start:
1. /list - see the centers you can track
2. /track <id> - start tracking a center
3. /window <from> <to> - only hear about slots between two dates

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, `These commands are supported:
/help - display this text
/list - list centers to track
/track <id> - begin tracking a center on your behalf
/untrack <id> - stop tracking a center on your behalf
/status - list your tracked centers and date window
/window <from> <to> - only notify about slots between two dates (YYYY-MM-DD, '-' for open)
/window clear - notify about slots on any date`)
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	tracked := make(map[string]bool)
	ids, err := b.registry.SubscriptionsOf(ctx, chatID)
	if err != nil {
		b.log.Error("list subscriptions", "chat_id", chatID, "error", err)
	}
	for _, id := range ids {
		tracked[id] = true
	}

	msg := tgbotapi.NewMessage(chatID, FormatCenterList(b.centers, tracked))
	if len(b.centers) > 0 {
		msg.ReplyMarkup = CenterKeyboard(b.centers, tracked)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send center list", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleTrack(ctx context.Context, chatID int64, args string) {
	id, err := ParseCenterArg(args)
	if err != nil {
		b.reply(ctx, chatID, "Usage: /track <id>. Use /list to see center IDs.")
		return
	}
	center, ok := b.lookup(id)
	if !ok {
		b.reply(ctx, chatID, fmt.Sprintf("Could not find center %q. Use /list to see center IDs.", id))
		return
	}

	added, err := b.registry.Subscribe(ctx, chatID, center.ID)
	if err != nil {
		b.log.Error("subscribe", "chat_id", chatID, "center", center.ID, "error", err)
		b.reply(ctx, chatID, "Failed to save your subscription, please try again later.")
		return
	}
	if !added {
		b.reply(ctx, chatID, fmt.Sprintf("You are already tracking %s.", center.Name))
		return
	}
	b.log.Info("tracking center", "chat_id", chatID, "center", center.ID)
	b.reply(ctx, chatID, fmt.Sprintf("Now tracking %s on your behalf.", center.Name))
}

func (b *Bot) handleUntrack(ctx context.Context, chatID int64, args string) {
	id, err := ParseCenterArg(args)
	if err != nil {
		b.reply(ctx, chatID, "Usage: /untrack <id>")
		return
	}
	center, ok := b.lookup(id)
	if !ok {
		// Centers removed from the configuration can still be dropped.
		center = model.Center{ID: id, Name: id}
	}

	removed, err := b.registry.Unsubscribe(ctx, chatID, center.ID)
	if err != nil {
		b.log.Error("unsubscribe", "chat_id", chatID, "center", center.ID, "error", err)
		b.reply(ctx, chatID, "Failed to update your subscriptions, please try again later.")
		return
	}
	if !removed {
		b.reply(ctx, chatID, fmt.Sprintf("You are not tracking %s.", center.Name))
		return
	}
	b.log.Info("untracked center", "chat_id", chatID, "center", center.ID)
	b.reply(ctx, chatID, fmt.Sprintf("Stopped tracking %s on your behalf.", center.Name))
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	ids, err := b.registry.SubscriptionsOf(ctx, chatID)
	if err != nil {
		b.log.Error("list subscriptions", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Failed to get your tracked centers.")
		return
	}
	w, err := b.registry.Window(ctx, chatID)
	if err != nil {
		b.log.Error("load window", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Failed to get your tracked centers.")
		return
	}

	var tracked []model.Center
	var unknown []string
	for _, id := range ids {
		if c, ok := b.lookup(id); ok {
			tracked = append(tracked, c)
		} else {
			unknown = append(unknown, id)
		}
	}
	b.reply(ctx, chatID, FormatStatus(tracked, unknown, w))
}

func (b *Bot) handleWindow(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseWindowArgs(args)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("%v\nUsage: /window <from> <to> or /window clear", err))
		return
	}

	if parsed.Show {
		w, err := b.registry.Window(ctx, chatID)
		if err != nil {
			b.log.Error("load window", "chat_id", chatID, "error", err)
			b.reply(ctx, chatID, "Failed to load your date window.")
			return
		}
		b.reply(ctx, chatID, "Date window: "+FormatWindow(w))
		return
	}

	w := parsed.Window
	if parsed.Clear {
		w = model.Window{}
	}
	if err := b.registry.SetWindow(ctx, chatID, w); err != nil {
		b.log.Error("set window", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Failed to save your date window.")
		return
	}
	b.reply(ctx, chatID, "Date window set to "+FormatWindow(w)+".")
}
