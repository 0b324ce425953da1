package ledger

import (
	"time"

	"liqflow/internal/models"
)

// Snapshot is an immutable view of the ledger contents at one point in time.
// The zero value is an empty snapshot.
type Snapshot struct {
	events         []models.Event
	horizonStartMs int64
	takenAt        time.Time
}

// NewSnapshot builds a detached snapshot from events, mainly for callers that
// aggregate data that never went through a Ledger.
func NewSnapshot(events []models.Event, horizonStartMs int64) Snapshot {
	cp := make([]models.Event, len(events))
	copy(cp, events)
	return Snapshot{events: cp, horizonStartMs: horizonStartMs, takenAt: time.Now()}
}

func (s Snapshot) Len() int { return len(s.events) }

func (s Snapshot) At(i int) models.Event { return s.events[i] }

// Range calls fn for each event in arrival order until fn returns false.
func (s Snapshot) Range(fn func(models.Event) bool) {
	for _, e := range s.events {
		if !fn(e) {
			return
		}
	}
}

// Events returns a copy of the retained events.
func (s Snapshot) Events() []models.Event {
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

// HorizonStartMs is the cutoff of the last prune. Data older than this may
// already have been evicted.
func (s Snapshot) HorizonStartMs() int64 { return s.horizonStartMs }

func (s Snapshot) TakenAt() time.Time { return s.takenAt }
