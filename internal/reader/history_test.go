package reader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"liqflow/config"
	liq "liqflow/internal/channel/liq"
	"liqflow/internal/normalizer"
)

func TestHistoryReaderPagesThroughHorizon(t *testing.T) {
	now := time.UnixMilli(10_800_000)

	var mu sync.Mutex
	var windows [][2]int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("limit") != "100" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		from, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		to, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		mu.Lock()
		windows = append(windows, [2]int64{from, to})
		mu.Unlock()
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "20")
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"100","origQty":"1","executedQty":"1","averagePrice":"100","side":"SELL","time":` + strconv.FormatInt(from+1, 10) + `}]`))
	}))
	defer srv.Close()

	cfg := config.SeedConfig{URL: srv.URL, Limit: 100, Chunk: time.Hour, Timeout: time.Second}
	ch := liq.NewChannels(8, 0)
	h := NewHistoryReader(cfg, "BTCUSDT", 3*time.Hour, ch, WithHistoryClock(func() time.Time { return now }))

	pages, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}

	want := [][2]int64{{0, 3_599_999}, {3_600_000, 7_199_999}, {7_200_000, 10_799_999}}
	mu.Lock()
	defer mu.Unlock()
	if len(windows) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(windows))
	}
	for i := range want {
		if windows[i] != want[i] {
			t.Fatalf("request %d: got %v want %v", i, windows[i], want[i])
		}
	}

	for i := 0; i < 3; i++ {
		msg := <-ch.Raw
		if msg.Source != normalizer.SourceHistory || msg.Symbol != "BTCUSDT" {
			t.Fatalf("unexpected routing %s/%s", msg.Source, msg.Symbol)
		}
		events, err := normalizer.NewHistory("BTCUSDT").Normalize(msg.Data)
		if err != nil || len(events) != 1 {
			t.Fatalf("page %d did not decode: %v %d", i, err, len(events))
		}
	}
}

func TestHistoryReaderSkipsFailedPages(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	now := time.UnixMilli(3_000_000)
	cfg := config.SeedConfig{URL: srv.URL, Chunk: time.Second * 1000, RequestsPerSecond: 1000}
	ch := liq.NewChannels(8, 0)
	h := NewHistoryReader(cfg, "BTCUSDT", 3000*time.Second, ch, WithHistoryClock(func() time.Time { return now }))

	pages, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pages != 2 {
		t.Fatalf("expected 2 pages after one failure, got %d", pages)
	}
	if len(ch.Raw) != 2 {
		t.Fatalf("expected 2 raw messages, got %d", len(ch.Raw))
	}
}

func TestHistoryReaderStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := config.SeedConfig{URL: srv.URL, Chunk: time.Minute}
	h := NewHistoryReader(cfg, "BTCUSDT", time.Hour, liq.NewChannels(1, 0), WithHTTPClient(srv.Client()))
	pages, err := h.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if pages != 0 {
		t.Fatalf("expected no pages, got %d", pages)
	}
}

// forceOrderServer answers like the REST endpoint: startTime and endTime are
// both inclusive and at most limit records come back, oldest first.
func forceOrderServer(t *testing.T, times []int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		to, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		records := make([]map[string]any, 0)
		for _, ts := range times {
			if ts < from || ts > to {
				continue
			}
			if limit > 0 && len(records) == limit {
				break
			}
			records = append(records, map[string]any{
				"symbol": "BTCUSDT", "price": "100", "origQty": "1", "executedQty": "1",
				"side": "SELL", "time": ts,
			})
		}
		_ = json.NewEncoder(w).Encode(records)
	}))
}

// seededTimes drains the raw channel and counts the records per timestamp.
func seededTimes(t *testing.T, ch *liq.Channels) map[int64]int {
	t.Helper()
	seen := map[int64]int{}
	for len(ch.Raw) > 0 {
		msg := <-ch.Raw
		events, err := normalizer.NewHistory("BTCUSDT").Normalize(msg.Data)
		if err != nil {
			t.Fatalf("page did not decode: %v", err)
		}
		for _, e := range events {
			seen[e.TimestampMs()]++
		}
	}
	return seen
}

func TestHistoryReaderChunkBoundaryIsSeededOnce(t *testing.T) {
	srv := forceOrderServer(t, []int64{3_599_999, 3_600_000, 7_200_000})
	defer srv.Close()

	cfg := config.SeedConfig{URL: srv.URL, Limit: 100, Chunk: time.Hour}
	ch := liq.NewChannels(8, 0)
	h := NewHistoryReader(cfg, "BTCUSDT", 3*time.Hour, ch, WithHistoryClock(func() time.Time { return time.UnixMilli(10_800_000) }))

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := seededTimes(t, ch)
	for _, ts := range []int64{3_599_999, 3_600_000, 7_200_000} {
		if seen[ts] != 1 {
			t.Fatalf("event at %d seeded %d times", ts, seen[ts])
		}
	}
}

func TestHistoryReaderSplitsFullPages(t *testing.T) {
	times := []int64{100, 200, 300, 400, 500}
	srv := forceOrderServer(t, times)
	defer srv.Close()

	cfg := config.SeedConfig{URL: srv.URL, Limit: 3, Chunk: time.Second}
	ch := liq.NewChannels(16, 0)
	h := NewHistoryReader(cfg, "BTCUSDT", time.Second, ch, WithHistoryClock(func() time.Time { return time.UnixMilli(1000) }))

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := seededTimes(t, ch)
	if len(seen) != len(times) {
		t.Fatalf("expected %d seeded events, got %v", len(times), seen)
	}
	for _, ts := range times {
		if seen[ts] != 1 {
			t.Fatalf("event at %d seeded %d times", ts, seen[ts])
		}
	}
	if h.Truncated() != 0 {
		t.Fatalf("expected no truncated pages, got %d", h.Truncated())
	}
}

func TestHistoryReaderFlagsPagesFullWithinOneMillisecond(t *testing.T) {
	srv := forceOrderServer(t, []int64{100, 100, 100, 100})
	defer srv.Close()

	cfg := config.SeedConfig{URL: srv.URL, Limit: 3, Chunk: time.Second}
	ch := liq.NewChannels(64, 0)
	h := NewHistoryReader(cfg, "BTCUSDT", time.Second, ch, WithHistoryClock(func() time.Time { return time.UnixMilli(1000) }))

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Truncated() != 1 {
		t.Fatalf("expected one truncated page, got %d", h.Truncated())
	}
	if seen := seededTimes(t, ch); seen[100] != 3 {
		t.Fatalf("expected the 3 returned records, got %v", seen)
	}
}
