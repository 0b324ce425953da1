package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"liqflow/config"
	liq "liqflow/internal/channel/liq"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/internal/normalizer"
	"liqflow/logger"
)

const maxHistoryBody = 8 << 20

// HistoryReader seeds the ledger from the REST force-order endpoint. Pages
// are pushed to the raw channel as "history" messages and decoded by the
// ingestor like live frames.
type HistoryReader struct {
	cfg      config.SeedConfig
	symbol   string
	horizon  time.Duration
	client   *futures.Client
	limiter  *rate.Limiter
	channels *liq.Channels
	now      func() time.Time
	session  string
	log      *logger.Log

	truncated atomic.Int64
}

// HistoryOption customises a HistoryReader.
type HistoryOption func(*HistoryReader)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) HistoryOption {
	return func(h *HistoryReader) { h.client.HTTPClient = c }
}

// WithHistoryClock fixes the end of the seeded range.
func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *HistoryReader) { h.now = now }
}

func NewHistoryReader(cfg config.SeedConfig, symbol string, horizon time.Duration, ch *liq.Channels, opts ...HistoryOption) *HistoryReader {
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	h := &HistoryReader{
		cfg:      cfg,
		symbol:   symbol,
		horizon:  horizon,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		channels: ch,
		now:      time.Now,
		session:  uuid.NewString(),
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run walks [now-horizon, now) in chunks. Failed pages are logged and
// skipped; only cancellation is returned. The result is the number of pages
// handed to the raw channel.
func (h *HistoryReader) Run(ctx context.Context) (int, error) {
	log := h.log.WithComponent("history_reader").WithFields(logger.Fields{
		"symbol":  h.symbol,
		"url":     h.cfg.URL,
		"session": h.session,
	})

	end := h.now().UnixMilli()
	start := end - h.horizon.Milliseconds()
	chunk := h.cfg.Chunk.Milliseconds()
	if chunk <= 0 {
		chunk = end - start
	}

	log.WithFields(logger.Fields{
		"start_ms": start,
		"end_ms":   end,
		"chunk_ms": chunk,
	}).Info("seeding ledger from history")

	pages := 0
	for from := start; from < end; from += chunk {
		to := from + chunk
		if to > end {
			to = end
		}
		n, err := h.seedRange(ctx, log, from, to)
		pages += n
		if err != nil {
			return pages, err
		}
	}

	logger.LogDataFlowEntry(log, "history_api", "raw_channel", pages, "history_pages")
	return pages, nil
}

// Truncated is the number of pages that still hit the record limit after
// being narrowed to a single millisecond.
func (h *HistoryReader) Truncated() int64 {
	return h.truncated.Load()
}

// seedRange fetches [from, to). A page that comes back with limit records
// may have been cut short, so the range is halved and both halves fetched
// instead.
func (h *HistoryReader) seedRange(ctx context.Context, log *logger.Entry, from, to int64) (int, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return 0, ctx.Err()
	}

	body, err := h.fetch(ctx, from, to)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.WithError(err).WithFields(logger.Fields{
			"from_ms": from,
			"to_ms":   to,
		}).Warn("history page failed")
		return 0, nil
	}

	if h.cfg.Limit > 0 && countRecords(body) >= h.cfg.Limit {
		if to-from > 1 {
			mid := from + (to-from)/2
			left, err := h.seedRange(ctx, log, from, mid)
			if err != nil {
				return left, err
			}
			right, err := h.seedRange(ctx, log, mid, to)
			return left + right, err
		}
		h.truncated.Add(1)
		metrics.EmitMetric(h.log, "history_reader", "history_truncated_pages", 1, "counter", logger.Fields{
			"symbol": h.symbol,
		})
		log.WithFields(logger.Fields{
			"from_ms": from,
			"limit":   h.cfg.Limit,
		}).Warn("history page truncated at record limit")
	}

	msg := models.RawLiquidationMessage{
		Source:     normalizer.SourceHistory,
		Symbol:     h.symbol,
		Data:       body,
		ReceivedAt: time.Now().UTC(),
	}
	if !h.channels.SendRaw(ctx, msg) {
		return 0, ctx.Err()
	}
	return 1, nil
}

// countRecords returns the length of a JSON array body, or 0 for anything
// else. Non-array bodies are left to the history adapter to reject.
func countRecords(body []byte) int {
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return 0
	}
	return len(records)
}

func (h *HistoryReader) fetch(ctx context.Context, from, to int64) ([]byte, error) {
	q := url.Values{}
	q.Set("symbol", h.symbol)
	q.Set("startTime", strconv.FormatInt(from, 10))
	// both bounds are inclusive upstream
	q.Set("endTime", strconv.FormatInt(to-1, 10))
	if h.cfg.Limit > 0 {
		q.Set("limit", strconv.Itoa(h.cfg.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	metrics.ReportUsedWeight(h.log, resp.Header, "history_reader", h.symbol)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
