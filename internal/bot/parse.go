package bot

import (
	"fmt"
	"strings"

	"slot_bot/internal/filter"
	"slot_bot/internal/model"
)

// ParseCenterArg extracts a center ID from a command argument string.
func ParseCenterArg(args string) (string, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return "", fmt.Errorf("center ID is required")
	}
	if len(parts) > 1 {
		return "", fmt.Errorf("expected a single center ID, got %q", args)
	}
	return parts[0], nil
}

// WindowArgs is the parsed form of a /window command.
type WindowArgs struct {
	// Show is set when no arguments were given.
	Show   bool
	Clear  bool
	Window model.Window
}

// ParseWindowArgs parses "/window", "/window clear" and "/window <from> <to>".
func ParseWindowArgs(args string) (WindowArgs, error) {
	args = strings.TrimSpace(args)
	switch strings.ToLower(args) {
	case "":
		return WindowArgs{Show: true}, nil
	case "clear":
		return WindowArgs{Clear: true}, nil
	}
	w, err := filter.ParseWindow(args)
	if err != nil {
		return WindowArgs{}, err
	}
	return WindowArgs{Window: w}, nil
}
