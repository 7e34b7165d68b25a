package engine

import (
	"sync"

	"geyser-indexer-go/internal/models"
)

type slotEntry struct {
	status    models.SlotState
	parent    uint64
	hasParent bool
}

// Tracker is an in-memory index of the latest known status per slot. Status
// only moves forward along Processed < Confirmed < Rooted; Dead is terminal.
// The store applies the same rule, so the tracker is advisory: it answers
// "is this slot dead" for the write path without a round trip.
type Tracker struct {
	mu            sync.RWMutex
	slots         map[uint64]*slotEntry
	highestRooted uint64
	lastPrune     uint64
	retention     uint64
}

// NewTracker keeps slots up to retention below the highest rooted slot.
// Zero retention disables pruning.
func NewTracker(retention uint64) *Tracker {
	return &Tracker{
		slots:     make(map[uint64]*slotEntry),
		retention: retention,
	}
}

// Apply records s and reports whether the stored status changed. A parent
// learned late is kept even when the status itself does not move.
func (t *Tracker) Apply(s models.SlotStatus) bool {
	if !s.Status.Valid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.slots[s.Slot]
	if !ok {
		e = &slotEntry{}
		t.slots[s.Slot] = e
	}
	if s.Parent != nil && !e.hasParent {
		e.parent, e.hasParent = *s.Parent, true
	}
	if ok && !s.Status.Supersedes(e.status) {
		return false
	}
	e.status = s.Status

	if s.Status == models.SlotRooted && s.Slot > t.highestRooted {
		t.highestRooted = s.Slot
		t.pruneLocked()
	}
	return true
}

// pruneLocked forgets slots more than retention below the highest root. It
// runs at most once per retention/4 advance of the root so Apply stays
// cheap on average.
func (t *Tracker) pruneLocked() {
	if t.retention == 0 || t.highestRooted <= t.retention {
		return
	}
	step := t.retention / 4
	if step == 0 {
		step = 1
	}
	if t.highestRooted-t.lastPrune < step {
		return
	}
	t.lastPrune = t.highestRooted
	cutoff := t.highestRooted - t.retention
	for slot := range t.slots {
		if slot < cutoff {
			delete(t.slots, slot)
		}
	}
}

// Status returns the tracked status of slot.
func (t *Tracker) Status(slot uint64) (models.SlotState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.slots[slot]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// IsDead reports whether slot was declared dead.
func (t *Tracker) IsDead(slot uint64) bool {
	s, ok := t.Status(slot)
	return ok && s == models.SlotDead
}

// Parent returns the parent reported for slot, if any.
func (t *Tracker) Parent(slot uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.slots[slot]
	if !ok || !e.hasParent {
		return 0, false
	}
	return e.parent, true
}

func (t *Tracker) HighestRooted() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highestRooted
}

// Len returns the number of tracked slots.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
