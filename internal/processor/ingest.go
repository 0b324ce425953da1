package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	liqchannel "liqflow/internal/channel/liq"
	"liqflow/internal/ledger"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/internal/normalizer"
	"liqflow/logger"
)

// Ledger is the mutating side of the event ledger.
type Ledger interface {
	Append(models.Event) error
	Prune(nowMs int64) int
	Stats() ledger.Stats
}

// IngestorStats is a point in time copy of the ingestor counters.
type IngestorStats struct {
	Messages  int64
	Malformed int64
	Appended  int64
	Expired   int64
	Invalid   int64
	Forwarded int64
}

type IngestOption func(*Ingestor)

// WithClock sets the clock used for prune cutoffs.
func WithClock(now func() time.Time) IngestOption {
	return func(i *Ingestor) { i.now = now }
}

// WithPruneInterval sets how often the ledger is pruned while the feed is
// quiet. Zero disables the ticker.
func WithPruneInterval(d time.Duration) IngestOption {
	return func(i *Ingestor) { i.pruneInterval = d }
}

// WithNormalizerOptions passes provider conversions to lazily built adapters.
func WithNormalizerOptions(opts normalizer.Options) IngestOption {
	return func(i *Ingestor) { i.normOpts = opts }
}

// WithAdapter registers an adapter for a message source ahead of time.
func WithAdapter(a normalizer.Adapter) IngestOption {
	return func(i *Ingestor) { i.adapters[a.Name()] = a }
}

// WithArchive forwards accepted events to the archive channel.
func WithArchive(enabled bool) IngestOption {
	return func(i *Ingestor) { i.archive = enabled }
}

// WithMalformedLogRate caps how many malformed messages are logged per second.
func WithMalformedLogRate(perSecond float64, burst int) IngestOption {
	return func(i *Ingestor) { i.logLimiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// Ingestor is the only writer of the ledger. It decodes raw messages, appends
// the resulting events and prunes after every message.
type Ingestor struct {
	ledger        Ledger
	channels      *liqchannel.Channels
	symbol        string
	now           func() time.Time
	pruneInterval time.Duration
	normOpts      normalizer.Options
	adapters      map[string]normalizer.Adapter
	archive       bool
	logLimiter    *rate.Limiter

	messages  atomic.Int64
	malformed atomic.Int64
	appended  atomic.Int64
	expired   atomic.Int64
	invalid   atomic.Int64
	forwarded atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewIngestor(l Ledger, ch *liqchannel.Channels, symbol string, opts ...IngestOption) *Ingestor {
	i := &Ingestor{
		ledger:        l,
		channels:      ch,
		symbol:        symbol,
		now:           time.Now,
		pruneInterval: time.Second,
		adapters:      make(map[string]normalizer.Adapter),
		logLimiter:    rate.NewLimiter(rate.Limit(1), 5),
		log:           logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start launches the ingestion goroutine.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return fmt.Errorf("ingestor already running")
	}
	i.running = true
	ctx, i.cancel = context.WithCancel(ctx)

	i.log.WithComponent("ingestor").WithFields(logger.Fields{
		"symbol":         i.symbol,
		"prune_interval": i.pruneInterval.String(),
		"archive":        i.archive,
	}).Info("starting ingestor")

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.Run(ctx)
	}()
	return nil
}

// Stop cancels the ingestion goroutine and waits for it to exit.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	cancel := i.cancel
	i.mu.Unlock()

	cancel()
	i.wg.Wait()
	i.log.WithComponent("ingestor").WithFields(i.statsFields()).Info("ingestor stopped")
}

// Run consumes the raw channel until ctx ends or the channel is closed.
func (i *Ingestor) Run(ctx context.Context) {
	var tick <-chan time.Time
	if i.pruneInterval > 0 {
		ticker := time.NewTicker(i.pruneInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			i.prune()
		case msg, ok := <-i.channels.Raw:
			if !ok {
				return
			}
			i.Handle(msg)
		}
	}
}

// Handle processes one raw message synchronously.
func (i *Ingestor) Handle(msg models.RawLiquidationMessage) {
	i.messages.Add(1)
	metrics.FeedMessages.WithLabelValues(msg.Source).Inc()

	adapter, err := i.adapterFor(msg.Source)
	if err != nil {
		i.reportMalformed(msg, err)
		return
	}

	events, err := adapter.Normalize(msg.Data)
	if err != nil {
		i.reportMalformed(msg, err)
	}

	for _, e := range events {
		i.append(msg, e)
	}
	i.prune()
}

func (i *Ingestor) append(msg models.RawLiquidationMessage, e models.Event) {
	err := i.ledger.Append(e)
	switch {
	case err == nil:
		i.appended.Add(1)
		metrics.EventsAppended.WithLabelValues(msg.Source).Inc()
		if i.archive && i.channels.Archive != nil {
			symbol := msg.Symbol
			if symbol == "" {
				symbol = i.symbol
			}
			if i.channels.SendArchive(models.ArchivedLiquidation{
				Source:     msg.Source,
				Symbol:     symbol,
				Event:      e,
				ReceivedAt: msg.ReceivedAt,
			}) {
				i.forwarded.Add(1)
			}
		}
	case errors.Is(err, ledger.ErrExpired):
		i.expired.Add(1)
		metrics.EventsRejected.WithLabelValues(msg.Source, "expired").Inc()
	default:
		i.invalid.Add(1)
		metrics.EventsRejected.WithLabelValues(msg.Source, "invalid").Inc()
		if i.logLimiter.Allow() {
			i.log.WithComponent("ingestor").WithFields(logger.Fields{
				"source": msg.Source,
				"symbol": msg.Symbol,
			}).WithError(err).Warn("event rejected")
		}
	}
}

func (i *Ingestor) prune() {
	removed := i.ledger.Prune(i.now().UnixMilli())
	if removed > 0 {
		metrics.EventsPruned.Add(float64(removed))
	}
	metrics.LedgerEvents.Set(float64(i.ledger.Stats().Retained))
}

func (i *Ingestor) adapterFor(source string) (normalizer.Adapter, error) {
	if a, ok := i.adapters[source]; ok {
		return a, nil
	}
	a, err := normalizer.NewAdapter(source, i.symbol, i.normOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", normalizer.ErrMalformedMessage, err)
	}
	i.adapters[source] = a
	return a, nil
}

func (i *Ingestor) reportMalformed(msg models.RawLiquidationMessage, err error) {
	i.malformed.Add(1)
	metrics.FeedMalformed.WithLabelValues(msg.Source).Inc()
	if !i.logLimiter.Allow() {
		return
	}
	sample := msg.Data
	if len(sample) > 256 {
		sample = sample[:256]
	}
	i.log.WithComponent("ingestor").WithFields(logger.Fields{
		"source":  msg.Source,
		"symbol":  msg.Symbol,
		"payload": string(sample),
	}).WithError(err).Warn("malformed message")
}

func (i *Ingestor) Stats() IngestorStats {
	return IngestorStats{
		Messages:  i.messages.Load(),
		Malformed: i.malformed.Load(),
		Appended:  i.appended.Load(),
		Expired:   i.expired.Load(),
		Invalid:   i.invalid.Load(),
		Forwarded: i.forwarded.Load(),
	}
}

func (i *Ingestor) statsFields() logger.Fields {
	s := i.Stats()
	return logger.Fields{
		"messages":  s.Messages,
		"malformed": s.Malformed,
		"appended":  s.Appended,
		"expired":   s.Expired,
		"invalid":   s.Invalid,
		"forwarded": s.Forwarded,
	}
}
