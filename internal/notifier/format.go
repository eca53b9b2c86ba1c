package notifier

import (
	"fmt"
	"strings"

	"slot_bot/internal/model"
)

// maxListed caps the slots spelled out in one message.
const maxListed = 15

// FormatNotification formats the new slots of a center as one chat message.
func FormatNotification(center model.Center, slots []model.Slot, scheduleURL string) string {
	var b strings.Builder
	if len(slots) == 1 {
		fmt.Fprintf(&b, "Appointment available at %s\n\n", centerLabel(center))
	} else {
		fmt.Fprintf(&b, "%d appointments available at %s\n\n", len(slots), centerLabel(center))
	}

	for i, s := range slots {
		if i == maxListed {
			fmt.Fprintf(&b, "...and %d more\n", len(slots)-maxListed)
			break
		}
		b.WriteString("- ")
		b.WriteString(FormatSlotTime(s))
		b.WriteString("\n")
	}

	if center.Address != "" {
		b.WriteString("\n")
		b.WriteString(center.Address)
		b.WriteString("\n")
	}
	if scheduleURL != "" {
		b.WriteString("\nSchedule: ")
		b.WriteString(scheduleURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSlotTime renders a slot start like "9:00 AM on Friday, January 5, 2024".
func FormatSlotTime(s model.Slot) string {
	return s.Start.Format("3:04 PM on Monday, January 2, 2006")
}

func centerLabel(c model.Center) string {
	if c.Name == "" {
		return c.ID
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.ID)
}
