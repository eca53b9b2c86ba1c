package bot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"slot_bot/internal/model"
)

// FormatCenter renders one center as a list line.
func FormatCenter(c model.Center) string {
	line := fmt.Sprintf("%s: %s", c.ID, c.Name)
	if c.Address != "" {
		line += " (" + c.Address + ")"
	}
	return line
}

// FormatCenterList formats the configured centers, marking the tracked ones.
func FormatCenterList(centers []model.Center, tracked map[string]bool) string {
	if len(centers) == 0 {
		return "No centers are configured."
	}
	sorted := sortedCenters(centers)

	var b strings.Builder
	b.WriteString("Enrollment centers:\n")
	for _, c := range sorted {
		mark := " "
		if tracked[c.ID] {
			mark = "*"
		}
		fmt.Fprintf(&b, "\n%s %s", mark, FormatCenter(c))
	}
	b.WriteString("\n\nUse /track <id> or the buttons below. * marks centers you track.")
	return b.String()
}

// CenterKeyboard builds one Track/Untrack button per center.
func CenterKeyboard(centers []model.Center, tracked map[string]bool) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(centers))
	for _, c := range sortedCenters(centers) {
		label, action := "Track "+c.ID, cmdTrack
		if tracked[c.ID] {
			label, action = "Untrack "+c.ID, cmdUntrack
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, action+":"+c.ID),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// FormatStatus formats the centers a chat tracks and its date window.
func FormatStatus(tracked []model.Center, unknown []string, w model.Window) string {
	var b strings.Builder
	b.WriteString("Your tracked centers:\n")
	if len(tracked) == 0 && len(unknown) == 0 {
		b.WriteString("None. Use /list to pick one.\n")
	}
	for _, c := range sortedCenters(tracked) {
		fmt.Fprintf(&b, "- %s\n", FormatCenter(c))
	}
	for _, id := range unknown {
		fmt.Fprintf(&b, "- %s (no longer available)\n", id)
	}
	fmt.Fprintf(&b, "\nDate window: %s", FormatWindow(w))
	return b.String()
}

// FormatWindow renders a window for display.
func FormatWindow(w model.Window) string {
	if w.IsZero() {
		return "any date"
	}
	return fmt.Sprintf("%s to %s", formatBound(w.From), formatBound(w.To))
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.Format(model.DayLayout)
}

func sortedCenters(centers []model.Center) []model.Center {
	out := make([]model.Center, len(centers))
	copy(out, centers)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
