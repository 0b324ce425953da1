// Package ledger keeps the bounded, arrival ordered buffer of liquidation
// events for one symbol. A single writer appends and prunes; any number of
// readers work on published snapshots without taking the writer lock.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"liqflow/internal/models"
)

var (
	// ErrInvalidHorizon is returned by New for a non-positive retention horizon.
	ErrInvalidHorizon = errors.New("retention horizon must be positive")
	// ErrExpired is returned by Append for an event older than the last prune
	// cutoff. Such an event is never inserted.
	ErrExpired = errors.New("event is older than the retention cutoff")
)

const (
	defaultCapacity = 1024
	// compaction runs once the evicted prefix is at least this long and
	// larger than the live range.
	compactThreshold = 256
)

type Config struct {
	RetentionHorizon time.Duration
}

type Option func(*Ledger)

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithCapacity sets the initial size of the backing array.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

type Ledger struct {
	horizonMs int64
	now       func() time.Time
	capacity  int

	mu        sync.Mutex
	buf       []models.Event
	head      int
	cutoffMs  int64
	maxTs     int64
	unordered bool

	view atomic.Pointer[Snapshot]

	appended   atomic.Uint64
	pruned     atomic.Uint64
	expired    atomic.Uint64
	outOfOrder atomic.Uint64
}

func New(cfg Config, opts ...Option) (*Ledger, error) {
	if cfg.RetentionHorizon <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidHorizon, cfg.RetentionHorizon)
	}
	l := &Ledger{
		horizonMs: cfg.RetentionHorizon.Milliseconds(),
		now:       time.Now,
		capacity:  defaultCapacity,
	}
	if l.horizonMs <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidHorizon, cfg.RetentionHorizon)
	}
	for _, opt := range opts {
		opt(l)
	}
	l.buf = make([]models.Event, 0, l.capacity)
	l.publish()
	return l, nil
}

// Horizon returns the configured retention horizon.
func (l *Ledger) Horizon() time.Duration {
	return time.Duration(l.horizonMs) * time.Millisecond
}

// Append inserts e at the tail. Events are kept in arrival order; an event
// older than the newest one seen so far is counted as out of order but still
// inserted as long as it is within the retention cutoff.
func (l *Ledger) Append(e models.Event) error {
	if !e.Valid() {
		return fmt.Errorf("%w: zero or unvalidated event", models.ErrInvalidEvent)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := e.TimestampMs()
	if ts < l.cutoffMs {
		l.expired.Add(1)
		return fmt.Errorf("%w: ts=%d cutoff=%d", ErrExpired, ts, l.cutoffMs)
	}
	if ts < l.maxTs {
		l.unordered = true
		l.outOfOrder.Add(1)
	} else {
		l.maxTs = ts
	}

	// Writes past len(buf) are invisible to every published view, whose
	// length is fixed at publish time.
	l.buf = append(l.buf, e)
	l.appended.Add(1)
	l.publish()
	return nil
}

// Prune evicts every event older than nowMs minus the horizon and returns the
// number of evicted events. The cutoff never moves backwards.
func (l *Ledger) Prune(nowMs int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := nowMs - l.horizonMs
	if cutoff < l.cutoffMs {
		cutoff = l.cutoffMs
	}

	removed := 0
	for l.head < len(l.buf) && l.buf[l.head].TimestampMs() < cutoff {
		l.head++
		removed++
	}

	if l.unordered {
		removed += l.filter(cutoff)
	}

	if l.head == len(l.buf) {
		// Nothing retained; drop the old array so published views keep
		// their own copy alive and the writer starts in fresh memory.
		if l.head > 0 {
			l.buf = make([]models.Event, 0, l.capacity)
			l.head = 0
		}
	} else if l.head >= compactThreshold && l.head > len(l.buf)-l.head {
		l.compact(nil)
	}

	changed := removed > 0 || cutoff != l.cutoffMs
	l.cutoffMs = cutoff
	if removed > 0 {
		l.pruned.Add(uint64(removed))
	}
	if changed {
		l.publish()
	}
	return removed
}

// filter drops stale events that sit behind a fresher head. Survivors are
// copied into a fresh array so no published element is overwritten.
func (l *Ledger) filter(cutoff int64) int {
	live := l.buf[l.head:]
	stale := 0
	for _, e := range live {
		if e.TimestampMs() < cutoff {
			stale++
		}
	}
	if stale > 0 {
		l.compact(func(e models.Event) bool { return e.TimestampMs() >= cutoff })
	}

	sorted := true
	live = l.buf[l.head:]
	for i := 1; i < len(live); i++ {
		if live[i].TimestampMs() < live[i-1].TimestampMs() {
			sorted = false
			break
		}
	}
	if sorted {
		l.unordered = false
	}
	return stale
}

// compact moves the live range, optionally filtered, into a new array.
func (l *Ledger) compact(keep func(models.Event) bool) {
	live := l.buf[l.head:]
	size := l.capacity
	if len(live)*2 > size {
		size = len(live) * 2
	}
	next := make([]models.Event, 0, size)
	for _, e := range live {
		if keep == nil || keep(e) {
			next = append(next, e)
		}
	}
	l.buf = next
	l.head = 0
}

func (l *Ledger) publish() {
	live := l.buf[l.head:len(l.buf):len(l.buf)]
	l.view.Store(&Snapshot{events: live, horizonStartMs: l.cutoffMs})
}

// Snapshot returns the current published view. It never blocks on the writer
// and is unaffected by later appends and prunes.
func (l *Ledger) Snapshot() Snapshot {
	s := *l.view.Load()
	s.takenAt = l.now()
	return s
}

// Stats is a point in time copy of the ledger counters.
type Stats struct {
	Retained       int
	Appended       uint64
	Pruned         uint64
	Expired        uint64
	OutOfOrder     uint64
	HorizonStartMs int64
}

func (l *Ledger) Stats() Stats {
	v := l.view.Load()
	return Stats{
		Retained:       len(v.events),
		Appended:       l.appended.Load(),
		Pruned:         l.pruned.Load(),
		Expired:        l.expired.Load(),
		OutOfOrder:     l.outOfOrder.Load(),
		HorizonStartMs: v.horizonStartMs,
	}
}
