package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/joho/godotenv"

	"liqflow/config"
	"liqflow/internal/aggregator"
	liqchannel "liqflow/internal/channel/liq"
	"liqflow/internal/ledger"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/normalizer"
	"liqflow/internal/processor"
	"liqflow/internal/reader"
	"liqflow/internal/writer"
	"liqflow/logger"
)

// seedConnectGrace is added to the handshake timeout when the seed waits for
// the feed's first connection.
const seedConnectGrace = 5 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Liqflow.Name,
		"version":     cfg.Liqflow.Version,
		"environment": config.AppEnvironment(),
		"symbol":      cfg.Symbol,
		"provider":    cfg.Feed.Provider,
		"horizon":     cfg.Ledger.RetentionHorizon.String(),
	}).Info("starting liqflow")

	normOpts := normalizer.Options{ContractSize: cfg.Feed.ContractSizeDecimal()}
	stream, err := normalizer.NewStream(cfg.Feed.Provider, cfg.Symbol, normOpts)
	if err != nil {
		log.WithError(err).Error("Failed to select feed adapter")
		os.Exit(1)
	}

	book, err := ledger.New(ledger.Config{RetentionHorizon: cfg.Ledger.RetentionHorizon})
	if err != nil {
		log.WithError(err).Error("Failed to create ledger")
		os.Exit(1)
	}
	agg := aggregator.New(book)

	archiveBuffer := 0
	if cfg.Archive.Enabled {
		archiveBuffer = cfg.Channels.ArchiveBuffer
	}
	channels := liqchannel.NewChannels(cfg.Channels.RawBuffer, archiveBuffer)

	var archiveWriter *writer.LiquidationWriter
	if cfg.Archive.Enabled {
		archiveWriter, err = writer.NewLiquidationWriter(cfg, channels.Archive)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archive disabled; skipping writer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	ingestor := processor.NewIngestor(book, channels, cfg.Symbol,
		processor.WithPruneInterval(cfg.Ledger.PruneInterval),
		processor.WithNormalizerOptions(normOpts),
		processor.WithAdapter(stream),
		processor.WithArchive(archiveWriter != nil),
	)

	feed := reader.NewFeedConnection(cfg.Feed, stream, channels, reader.WithSymbol(cfg.Symbol))

	var wg sync.WaitGroup

	if cfg.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			health := func() (bool, logger.Fields) {
				state := feed.State()
				return state == reader.StateConnected, logger.Fields{
					"feed_state": state.String(),
					"retained":   book.Stats().Retained,
				}
			}
			if err := metrics.Serve(ctx, cfg.Metrics.Prometheus.Address, health); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	metrics.StartReport(ctx, log, cfg.Metrics.ReportInterval,
		ledgerReport(book, agg, cfg.Symbol),
		pipelineReport(channels, ingestor, feed, archiveWriter),
	)

	if err := ingestor.Start(ctx); err != nil {
		log.WithError(err).Warn("ingestor failed to start")
	}

	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("archive writer failed to start")
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feed.Run(ctx); err != nil {
			log.WithError(err).Warn("feed connection failed to start")
		}
	}()

	if cfg.Seed.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seedHistory(ctx, cfg, feed, channels)
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	feed.Close()
	cancel()

	log.Info("stopping ingestor")
	ingestor.Stop()

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		channels.Close()
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("liqflow stopped")
}

// seedHistory backfills the retention horizon up to the moment the live feed
// connected, so the two sources meet without a gap. If the feed is slow to
// connect the seed ends at the time the wait gave up instead.
func seedHistory(ctx context.Context, cfg *config.Config, feed *reader.FeedConnection, ch *liqchannel.Channels) {
	log := logger.GetLogger().WithComponent("main")

	wait := cfg.Feed.HandshakeTimeout + seedConnectGrace
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	end, err := feed.WaitConnected(waitCtx)
	cancel()
	switch {
	case ctx.Err() != nil, errors.Is(err, reader.ErrClosed):
		return
	case err != nil:
		end = time.Now()
		log.WithField("waited", wait.String()).Warn("feed not connected yet; seeding up to now")
	}

	history := reader.NewHistoryReader(cfg.Seed, cfg.Symbol, cfg.Ledger.RetentionHorizon, ch,
		reader.WithHistoryClock(func() time.Time { return end }))
	pages, err := history.Run(ctx)
	if err != nil {
		return
	}
	log.WithFields(logger.Fields{
		"pages":     pages,
		"end_ms":    end.UnixMilli(),
		"truncated": history.Truncated(),
	}).Info("history seed finished")
}

// ledgerReport contributes the retained event count and the rolling window
// totals to every runtime report.
func ledgerReport(book *ledger.Ledger, agg *aggregator.Aggregator, symbol string) metrics.ReportSource {
	return func() (logger.Fields, []metrics.Gauge) {
		stats := book.Stats()
		fields := logger.Fields{
			"ledger_retained":     stats.Retained,
			"ledger_appended":     stats.Appended,
			"ledger_pruned":       stats.Pruned,
			"ledger_expired":      stats.Expired,
			"ledger_out_of_order": stats.OutOfOrder,
			"horizon_start_ms":    stats.HorizonStartMs,
		}
		gauges := []metrics.Gauge{{
			Name:  "ledger_events",
			Value: float64(stats.Retained),
			Unit:  cwtypes.StandardUnitCount,
			Dims:  map[string]string{"symbol": symbol},
		}}

		for _, w := range agg.Windows(time.Now().UnixMilli(), nil) {
			total, _ := w.Result.TotalUsd.Round(2).Float64()
			fields["window_"+w.Window+"_usd"] = w.Result.TotalUsd.StringFixed(2)
			fields["window_"+w.Window+"_count"] = w.Result.Count
			gauges = append(gauges, metrics.Gauge{
				Name:  "window_total_usd",
				Value: total,
				Unit:  cwtypes.StandardUnitNone,
				Dims:  map[string]string{"symbol": symbol, "window": w.Window},
			})
		}
		return fields, gauges
	}
}

func pipelineReport(ch *liqchannel.Channels, ing *processor.Ingestor, feed *reader.FeedConnection, w *writer.LiquidationWriter) metrics.ReportSource {
	return func() (logger.Fields, []metrics.Gauge) {
		cs := ch.GetStats()
		is := ing.Stats()
		fields := logger.Fields{
			"feed_state":       feed.State().String(),
			"feed_frames":      feed.Frames(),
			"raw_len":          cs.RawLen,
			"raw_waits":        cs.RawWaits,
			"archive_dropped":  cs.ArchiveDropped,
			"ingest_messages":  is.Messages,
			"ingest_malformed": is.Malformed,
			"ingest_appended":  is.Appended,
		}
		gauges := []metrics.Gauge{
			{Name: "raw_channel_len", Value: float64(cs.RawLen), Unit: cwtypes.StandardUnitCount},
			{Name: "malformed_messages", Value: float64(is.Malformed), Unit: cwtypes.StandardUnitCount},
		}
		if w != nil {
			metrics.ReportWriter(logger.GetLogger(), "liq_writer", w.Stats())
		}
		return fields, gauges
	}
}
