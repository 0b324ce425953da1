package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqflow/internal/models"
)

func event(t *testing.T, ts int64, side models.Side) models.Event {
	t.Helper()
	e, err := models.NewEvent(ts, side, decimal.NewFromInt(1), decimal.NewFromInt(10))
	require.NoError(t, err)
	return e
}

func newLedger(t *testing.T, horizon time.Duration, opts ...Option) *Ledger {
	t.Helper()
	l, err := New(Config{RetentionHorizon: horizon}, opts...)
	require.NoError(t, err)
	return l
}

func timestamps(s Snapshot) []int64 {
	out := make([]int64, 0, s.Len())
	s.Range(func(e models.Event) bool {
		out = append(out, e.TimestampMs())
		return true
	})
	return out
}

func TestNewRejectsNonPositiveHorizon(t *testing.T) {
	for _, h := range []time.Duration{0, -time.Second, time.Microsecond} {
		_, err := New(Config{RetentionHorizon: h})
		assert.ErrorIs(t, err, ErrInvalidHorizon, h.String())
	}
}

func TestAppendKeepsArrivalOrder(t *testing.T) {
	l := newLedger(t, time.Hour)
	for _, ts := range []int64{1000, 3000, 2000} {
		require.NoError(t, l.Append(event(t, ts, models.SideBuy)))
	}
	assert.Equal(t, []int64{1000, 3000, 2000}, timestamps(l.Snapshot()))
	assert.Equal(t, uint64(1), l.Stats().OutOfOrder)
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	l := newLedger(t, time.Hour)
	assert.ErrorIs(t, l.Append(models.Event{}), models.ErrInvalidEvent)
	assert.Equal(t, 0, l.Snapshot().Len())
}

func TestPruneEvictsStaleHead(t *testing.T) {
	l := newLedger(t, 10*time.Second)
	for _, ts := range []int64{1000, 5000, 12000, 20000} {
		require.NoError(t, l.Append(event(t, ts, models.SideSell)))
	}

	removed := l.Prune(16000)
	assert.Equal(t, 2, removed)
	s := l.Snapshot()
	assert.Equal(t, []int64{12000, 20000}, timestamps(s))
	assert.Equal(t, int64(6000), s.HorizonStartMs())
	assert.Equal(t, uint64(2), l.Stats().Pruned)
}

func TestPruneInvariantWithOutOfOrderArrivals(t *testing.T) {
	l := newLedger(t, 10*time.Second)
	for _, ts := range []int64{9000, 2000, 15000, 1000, 11000} {
		require.NoError(t, l.Append(event(t, ts, models.SideBuy)))
	}

	l.Prune(20000)
	s := l.Snapshot()
	for _, ts := range timestamps(s) {
		assert.GreaterOrEqual(t, ts, int64(10000))
	}
	assert.Equal(t, []int64{15000, 11000}, timestamps(s))

	// 11000 behind 15000 is still out of order, so a later prune must filter again
	l.Prune(25000)
	assert.Equal(t, []int64{15000}, timestamps(l.Snapshot()))
}

func TestAppendAfterPruneRejectsExpired(t *testing.T) {
	l := newLedger(t, 10*time.Second)
	l.Prune(20000)

	err := l.Append(event(t, 9999, models.SideBuy))
	assert.ErrorIs(t, err, ErrExpired)
	require.NoError(t, l.Append(event(t, 10000, models.SideBuy)))
	assert.Equal(t, 1, l.Snapshot().Len())
	assert.Equal(t, uint64(1), l.Stats().Expired)
}

func TestCutoffIsMonotonic(t *testing.T) {
	l := newLedger(t, 10*time.Second)
	l.Prune(30000)
	l.Prune(15000)
	assert.Equal(t, int64(20000), l.Snapshot().HorizonStartMs())
}

func TestSnapshotIsolation(t *testing.T) {
	l := newLedger(t, 10*time.Second, WithCapacity(4))
	require.NoError(t, l.Append(event(t, 1000, models.SideBuy)))
	require.NoError(t, l.Append(event(t, 2000, models.SideBuy)))

	before := l.Snapshot()
	for ts := int64(3000); ts < 20000; ts += 1000 {
		require.NoError(t, l.Append(event(t, ts, models.SideSell)))
	}
	l.Prune(15000)

	assert.Equal(t, []int64{1000, 2000}, timestamps(before))
	assert.Equal(t, int64(0), before.HorizonStartMs())
	assert.Equal(t, int64(5000), l.Snapshot().At(0).TimestampMs())
}

func TestCompactionKeepsContents(t *testing.T) {
	l := newLedger(t, time.Second, WithCapacity(8))
	var ts int64 = 1
	for i := 0; i < 2000; i++ {
		require.NoError(t, l.Append(event(t, ts, models.SideBuy)))
		ts += 10
		l.Prune(ts)
	}
	s := l.Snapshot()
	require.Greater(t, s.Len(), 0)
	got := timestamps(s)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+10, got[i])
	}
	assert.Equal(t, ts-10, got[len(got)-1])
	assert.GreaterOrEqual(t, got[0], ts-1000)
}

func TestConcurrentReadersDuringIngestion(t *testing.T) {
	l := newLedger(t, time.Second)
	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				s := l.Snapshot()
				prev := int64(0)
				s.Range(func(e models.Event) bool {
					if e.TimestampMs() < prev || !e.Valid() {
						t.Errorf("torn snapshot: %d after %d", e.TimestampMs(), prev)
						return false
					}
					prev = e.TimestampMs()
					return true
				})
			}
		}()
	}

	for ts := int64(1); ts <= 5000; ts++ {
		if err := l.Append(event(t, ts, models.SideBuy)); err != nil {
			t.Fatalf("append %d: %v", ts, err)
		}
		l.Prune(ts)
	}
	close(done)
	wg.Wait()
	assert.Equal(t, uint64(5000), l.Stats().Appended)
}

func TestSnapshotUsesClock(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l := newLedger(t, time.Hour, WithClock(func() time.Time { return at }))
	assert.Equal(t, at, l.Snapshot().TakenAt())
}
