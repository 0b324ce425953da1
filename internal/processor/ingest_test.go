package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	liqchannel "liqflow/internal/channel/liq"
	"liqflow/internal/ledger"
	"liqflow/internal/models"
	"liqflow/internal/normalizer"
)

const nowMs = int64(10_000_000)

func fixedClock() time.Time { return time.UnixMilli(nowMs) }

func binanceFrame(ts int64, side, qty, price string) []byte {
	return []byte(fmt.Sprintf(`{"e":"forceOrder","E":%d,"o":{"s":"BTCUSDT","S":%q,"q":%q,"p":%q,"ap":%q,"z":%q,"T":%d}}`,
		ts, side, qty, price, price, qty, ts))
}

func newTestIngestor(t *testing.T, archive int, opts ...IngestOption) (*Ingestor, *ledger.Ledger, *liqchannel.Channels) {
	t.Helper()
	l, err := ledger.New(ledger.Config{RetentionHorizon: time.Hour}, ledger.WithClock(fixedClock))
	require.NoError(t, err)
	ch := liqchannel.NewChannels(16, archive)
	opts = append([]IngestOption{WithClock(fixedClock), WithPruneInterval(0)}, opts...)
	return NewIngestor(l, ch, "BTCUSDT", opts...), l, ch
}

func TestIngestorSkipsMalformedMessageBetweenValidOnes(t *testing.T) {
	ing, l, _ := newTestIngestor(t, 0)

	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(nowMs-2000, "SELL", "1", "100")})
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: []byte(`{not json`)})
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(nowMs-1000, "BUY", "2", "50")})

	events := l.Snapshot().Events()
	require.Len(t, events, 2)
	assert.Equal(t, nowMs-2000, events[0].TimestampMs())
	assert.Equal(t, models.SideSell, events[0].Side())
	assert.Equal(t, nowMs-1000, events[1].TimestampMs())
	assert.Equal(t, models.SideBuy, events[1].Side())

	stats := ing.Stats()
	assert.Equal(t, int64(3), stats.Messages)
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(2), stats.Appended)
}

func TestIngestorAppendsFullBinanceForceOrders(t *testing.T) {
	ing, l, _ := newTestIngestor(t, 0)
	full := func(ts int64, side string) []byte {
		return []byte(fmt.Sprintf(`{"e":"forceOrder","E":%d,"o":{"s":"BTCUSDT","S":%q,"o":"LIMIT","f":"IOC","q":"0.250","p":"66012.40","ap":"66050.10","X":"FILLED","l":"0.250","z":"0.250","T":%d}}`,
			ts+3, side, ts))
	}

	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: full(nowMs-3000, "SELL")})
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: []byte(`{"e":"forceOrder","E":`)})
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: full(nowMs-1000, "BUY")})

	events := l.Snapshot().Events()
	require.Len(t, events, 2)
	assert.Equal(t, nowMs-3000, events[0].TimestampMs())
	assert.Equal(t, models.SideSell, events[0].Side())
	assert.Equal(t, nowMs-1000, events[1].TimestampMs())
	assert.Equal(t, "16512.525", events[1].NotionalUsd().String())

	stats := ing.Stats()
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(2), stats.Appended)
}

func TestIngestorRoutesHistoryMessages(t *testing.T) {
	ing, l, _ := newTestIngestor(t, 0)

	page := fmt.Sprintf(`[{"symbol":"BTCUSDT","price":"10","origQty":"3","executedQty":"3","side":"BUY","time":%d},
		{"symbol":"ETHUSDT","price":"10","origQty":"1","executedQty":"1","side":"SELL","time":%d}]`, nowMs-5000, nowMs-4000)
	ing.Handle(models.RawLiquidationMessage{Source: normalizer.SourceHistory, Data: []byte(page)})

	events := l.Snapshot().Events()
	require.Len(t, events, 1)
	assert.Equal(t, "30", events[0].NotionalUsd().String())
}

func TestIngestorCountsExpiredEvents(t *testing.T) {
	ing, l, _ := newTestIngestor(t, 0)

	// First message moves the cutoff to now minus one hour.
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(nowMs-1000, "SELL", "1", "100")})
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(nowMs-2*time.Hour.Milliseconds(), "SELL", "1", "100")})

	assert.Equal(t, 1, l.Snapshot().Len())
	assert.Equal(t, int64(1), ing.Stats().Expired)
}

func TestIngestorPrunesAfterEachMessage(t *testing.T) {
	now := nowMs
	clock := func() time.Time { return time.UnixMilli(now) }
	l, err := ledger.New(ledger.Config{RetentionHorizon: time.Minute})
	require.NoError(t, err)
	ing := NewIngestor(l, liqchannel.NewChannels(4, 0), "BTCUSDT", WithClock(clock), WithPruneInterval(0))

	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(now-1000, "SELL", "1", "100")})
	require.Equal(t, 1, l.Snapshot().Len())

	now += 2 * time.Minute.Milliseconds()
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(now-1000, "BUY", "1", "100")})

	events := l.Snapshot().Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.SideBuy, events[0].Side())
	assert.Equal(t, uint64(1), l.Stats().Pruned)
}

func TestIngestorUnknownSourceIsMalformed(t *testing.T) {
	ing, l, _ := newTestIngestor(t, 0)

	ing.Handle(models.RawLiquidationMessage{Source: "deribit", Data: []byte(`{}`)})

	assert.Equal(t, 0, l.Snapshot().Len())
	assert.Equal(t, int64(1), ing.Stats().Malformed)
}

func TestIngestorForwardsAcceptedEventsToArchive(t *testing.T) {
	ing, _, ch := newTestIngestor(t, 4, WithArchive(true))

	received := time.UnixMilli(nowMs).UTC()
	ing.Handle(models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(nowMs-1000, "SELL", "1", "100"), ReceivedAt: received})

	require.Len(t, ch.Archive, 1)
	rec := <-ch.Archive
	assert.Equal(t, "binance", rec.Source)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, nowMs-1000, rec.Event.TimestampMs())
	assert.Equal(t, received, rec.ReceivedAt)
	assert.Equal(t, int64(1), ing.Stats().Forwarded)
}

func TestIngestorRunConsumesChannel(t *testing.T) {
	ing, l, ch := newTestIngestor(t, 0, WithPruneInterval(10*time.Millisecond))

	require.NoError(t, ing.Start(context.Background()))
	require.Error(t, ing.Start(context.Background()))

	ch.Raw <- models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(nowMs-1000, "SELL", "1", "100")}
	ch.Raw <- models.RawLiquidationMessage{Source: "binance", Data: binanceFrame(nowMs-500, "BUY", "1", "100")}

	require.Eventually(t, func() bool { return l.Snapshot().Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	ing.Stop()
	ing.Stop()
	assert.Equal(t, int64(2), ing.Stats().Appended)
}
