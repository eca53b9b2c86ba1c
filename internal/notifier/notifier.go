// Package notifier delivers new-slot announcements to subscribed chats.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"slot_bot/internal/filter"
	"slot_bot/internal/model"
)

// Sender is the interface for sending chat messages.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Failure is one destination that could not be reached.
type Failure struct {
	ChatID int64
	Err    error
	// Blocked is set when the chat transport rejected the destination itself
	// (bot blocked, chat deleted), as opposed to a transient send error.
	Blocked bool
}

// Report is the per-destination outcome of one Notify call.
type Report struct {
	CenterID  string
	Delivered []int64
	Failed    []Failure
	// Skipped chats had no new slot inside their date window.
	Skipped []int64
}

// Attempted returns how many sends were tried.
func (r Report) Attempted() int {
	return len(r.Delivered) + len(r.Failed)
}

// Retryable reports whether some destination failed for a reason other than
// being blocked, so announcing the same slots again may still reach it.
func (r Report) Retryable() bool {
	for _, f := range r.Failed {
		if !f.Blocked {
			return true
		}
	}
	return false
}

// Notifier formats and delivers batched announcements.
type Notifier struct {
	sender      Sender
	limiter     *rate.Limiter
	log         *slog.Logger
	scheduleURL string
}

// New creates a Notifier that sends at most perSecond messages per second.
func New(sender Sender, perSecond int, scheduleURL string, log *slog.Logger) *Notifier {
	if perSecond <= 0 {
		perSecond = 20
	}
	return &Notifier{
		sender:      sender,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), perSecond),
		log:         log,
		scheduleURL: scheduleURL,
	}
}

// Notify sends one message per subscriber listing every new slot of the cycle
// that falls inside the subscriber's window. Delivery failures are collected
// in the report and never stop delivery to the remaining subscribers.
func (n *Notifier) Notify(ctx context.Context, center model.Center, res model.DiffResult, subs []model.Subscriber) Report {
	report := Report{CenterID: center.ID}
	if res.Empty() {
		return report
	}

	for _, sub := range subs {
		slots := filter.Slots(res.New, sub.Window)
		if len(slots) == 0 {
			report.Skipped = append(report.Skipped, sub.ChatID)
			continue
		}

		if err := n.limiter.Wait(ctx); err != nil {
			report.Failed = append(report.Failed, Failure{ChatID: sub.ChatID, Err: fmt.Errorf("rate limit wait: %w", err)})
			continue
		}

		text := FormatNotification(center, slots, n.scheduleURL)
		if err := n.sender.SendMessage(ctx, sub.ChatID, text); err != nil {
			f := Failure{ChatID: sub.ChatID, Err: err, Blocked: isBlocked(err)}
			report.Failed = append(report.Failed, f)
			n.log.Warn("deliver notification",
				"center", center.ID, "chat_id", sub.ChatID, "blocked", f.Blocked, "error", err)
			continue
		}
		report.Delivered = append(report.Delivered, sub.ChatID)
	}

	if len(report.Delivered) > 0 {
		n.log.Info("sent notifications",
			"center", center.ID, "slots", len(res.New), "delivered", len(report.Delivered),
			"failed", len(report.Failed))
	}
	return report
}

func isBlocked(err error) bool {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return false
	}
	return tgErr.Code == http.StatusForbidden
}
