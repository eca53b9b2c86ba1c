// Package filter implements the per-chat date window matching.
package filter

import (
	"fmt"
	"strings"
	"time"

	"slot_bot/internal/model"
)

// Match checks whether a slot falls inside the window.
// A zero window matches everything; bounds are inclusive whole days.
func Match(slot model.Slot, w model.Window) bool {
	if w.IsZero() {
		return true
	}
	day := dateOf(slot.Start)
	if !w.From.IsZero() && day.Before(dateOf(w.From)) {
		return false
	}
	if !w.To.IsZero() && day.After(dateOf(w.To)) {
		return false
	}
	return true
}

// Slots returns the slots that pass the window, preserving order.
func Slots(slots []model.Slot, w model.Window) []model.Slot {
	if w.IsZero() {
		return slots
	}
	var matched []model.Slot
	for _, s := range slots {
		if Match(s, w) {
			matched = append(matched, s)
		}
	}
	return matched
}

// ParseWindow parses "<from> <to>" dates in YYYY-MM-DD form. Either side may be "-" for open.
func ParseWindow(args string) (model.Window, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return model.Window{}, fmt.Errorf("usage: <from> <to> (YYYY-MM-DD, '-' for open)")
	}
	from, err := parseBound(parts[0])
	if err != nil {
		return model.Window{}, err
	}
	to, err := parseBound(parts[1])
	if err != nil {
		return model.Window{}, err
	}
	w := model.Window{From: from, To: to}
	if err := ValidateWindow(w); err != nil {
		return model.Window{}, err
	}
	return w, nil
}

// ValidateWindow checks that From is not after To.
func ValidateWindow(w model.Window) error {
	if !w.From.IsZero() && !w.To.IsZero() && w.From.After(w.To) {
		return fmt.Errorf("window start %s is after end %s",
			w.From.Format(model.DayLayout), w.To.Format(model.DayLayout))
	}
	return nil
}

func parseBound(s string) (time.Time, error) {
	if s == "-" {
		return time.Time{}, nil
	}
	t, err := time.Parse(model.DayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", s)
	}
	return t, nil
}

// dateOf drops the clock and zone, keeping the calendar date as seen locally.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
