// Package diff turns a fetched snapshot into newly available slots against seen state.
package diff

import (
	"sort"
	"sync"
	"time"

	"slot_bot/internal/model"
)

// Diff compares a snapshot against the keys already announced for its center.
//
// New holds every snapshot slot whose key is absent from seen, sorted by start time,
// with NewKeys the distinct keys they map to. Expired holds seen keys missing from the
// snapshot whose date is before now's date. An empty snapshot yields neither.
func Diff(snap model.Snapshot, seen model.KeySet, g model.Granularity, now time.Time) model.DiffResult {
	res := model.DiffResult{CenterID: snap.CenterID}
	if len(snap.Slots) == 0 {
		return res
	}

	slots := make([]model.Slot, len(snap.Slots))
	copy(slots, snap.Slots)
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })

	present := make(model.KeySet, len(slots))
	newKeys := make(model.KeySet)
	listed := make(model.KeySet, len(slots))
	for _, s := range slots {
		k := s.Key(g)
		present[k] = struct{}{}
		if seen.Has(k) {
			continue
		}
		id := s.Key(model.PerSlot)
		if listed.Has(id) {
			continue
		}
		listed[id] = struct{}{}
		res.New = append(res.New, s)
		newKeys[k] = struct{}{}
	}
	if len(newKeys) > 0 {
		res.NewKeys = newKeys.Sorted()
	}

	today := startOfDay(now)
	expired := make(model.KeySet)
	for k := range seen {
		if present.Has(k) {
			continue
		}
		d, ok := k.Date(now.Location())
		if !ok || !d.Before(today) {
			continue
		}
		expired[k] = struct{}{}
	}
	if len(expired) > 0 {
		res.Expired = expired.Sorted()
	}
	return res
}

// PruneCutoff returns the date before which seen keys may be dropped for the center:
// the start of now's day, pulled back to the earliest past-dated slot still on offer.
func PruneCutoff(snap model.Snapshot, now time.Time) time.Time {
	cutoff := startOfDay(now)
	for _, s := range snap.Slots {
		d := startOfDay(s.Start.In(now.Location()))
		if d.Before(cutoff) {
			cutoff = d
		}
	}
	return cutoff
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Corroborator confirms disappearance only after a key was reported expired on
// Need consecutive cycles for the same center. It is safe for concurrent use.
type Corroborator struct {
	need int

	mu     sync.Mutex
	misses map[string]map[model.SlotKey]int
}

// NewCorroborator creates a Corroborator; need below 1 is treated as 1.
func NewCorroborator(need int) *Corroborator {
	if need < 1 {
		need = 1
	}
	return &Corroborator{need: need, misses: make(map[string]map[model.SlotKey]int)}
}

// Confirm records this cycle's expired keys for the center and returns those
// that have now been expired on enough consecutive cycles. Keys not reported
// this cycle have their streak reset.
func (c *Corroborator) Confirm(centerID string, expired []model.SlotKey) []model.SlotKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.misses[centerID]
	next := make(map[model.SlotKey]int, len(expired))
	var confirmed []model.SlotKey
	for _, k := range expired {
		n := prev[k] + 1
		if n >= c.need {
			confirmed = append(confirmed, k)
			continue
		}
		next[k] = n
	}
	if len(next) == 0 {
		delete(c.misses, centerID)
	} else {
		c.misses[centerID] = next
	}
	return confirmed
}
