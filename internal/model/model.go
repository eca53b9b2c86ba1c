// Package model defines the domain types used across the application.
package model

import (
	"sort"
	"time"
)

// Layouts used for slot keys and provider timestamps.
const (
	SlotLayout = "2006-01-02T15:04"
	DayLayout  = "2006-01-02"
)

// Center is a physical appointment location tracked by the bot.
type Center struct {
	ID           string
	Name         string
	LocationCode string
	Address      string
	Location     *time.Location
}

// Loc returns the center's timezone, falling back to UTC.
func (c Center) Loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Slot is one bookable appointment time at a center.
type Slot struct {
	CenterID string
	Start    time.Time
	End      time.Time
}

// SlotKey identifies a slot (or a day of slots) within one center.
type SlotKey string

// Granularity decides how slots collapse into seen keys.
type Granularity string

// Supported granularities.
const (
	PerSlot Granularity = "slot"
	PerDay  Granularity = "day"
)

// Key returns the natural key of the slot for the given granularity.
func (s Slot) Key(g Granularity) SlotKey {
	if g == PerDay {
		return SlotKey(s.Start.Format(DayLayout))
	}
	return SlotKey(s.Start.Format(SlotLayout))
}

// Date returns the calendar date encoded in the key.
func (k SlotKey) Date(loc *time.Location) (time.Time, bool) {
	if len(k) < len(DayLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(DayLayout, string(k)[:len(DayLayout)], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// KeySet is a set of slot keys.
type KeySet map[SlotKey]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...SlotKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s KeySet) Has(k SlotKey) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the keys in lexical (and therefore chronological) order.
func (s KeySet) Sorted() []SlotKey {
	out := make([]SlotKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot is the set of open slots returned by one fetch for one center.
type Snapshot struct {
	CenterID  string
	FetchedAt time.Time
	Slots     []Slot
}

// DiffResult is the outcome of comparing a snapshot against seen state.
type DiffResult struct {
	CenterID string
	New      []Slot
	NewKeys  []SlotKey
	Expired  []SlotKey
}

// Empty reports whether there is nothing to announce.
func (d DiffResult) Empty() bool {
	return len(d.New) == 0
}

// Window restricts announcements to slots whose date falls in [From, To].
// A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether the window places no restriction.
func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// Subscriber is a chat destination interested in a center.
type Subscriber struct {
	ChatID int64
	Window Window
}
