// Package metrics holds the Prometheus collectors, the structured metric
// events published to CloudWatch, and the periodic runtime report.
//
// Prometheus series:
//
//	liqflow_feed_messages_total{source}
//	liqflow_feed_malformed_total{source}
//	liqflow_events_appended_total{source}
//	liqflow_events_rejected_total{source,reason}
//	liqflow_events_pruned_total
//	liqflow_ledger_events
//	liqflow_feed_connection_state{provider}
//	liqflow_feed_reconnects_total{provider}
//	liqflow_raw_channel_waits_total
//	liqflow_archive_records_total{result}
//	go_* and process_* system metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liqflow/logger"
)

// Registry holds every liqflow collector. It is separate from the default
// registry so tests can gather it without global side effects.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	FeedMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "liqflow_feed_messages_total",
		Help: "Raw messages consumed by the ingestor",
	}, []string{"source"})

	FeedMalformed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "liqflow_feed_malformed_total",
		Help: "Messages the adapter could not decode",
	}, []string{"source"})

	EventsAppended = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "liqflow_events_appended_total",
		Help: "Events inserted into the ledger",
	}, []string{"source"})

	EventsRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "liqflow_events_rejected_total",
		Help: "Events discarded before insertion",
	}, []string{"source", "reason"})

	EventsPruned = factory.NewCounter(prometheus.CounterOpts{
		Name: "liqflow_events_pruned_total",
		Help: "Events evicted by retention pruning",
	})

	LedgerEvents = factory.NewGauge(prometheus.GaugeOpts{
		Name: "liqflow_ledger_events",
		Help: "Events currently retained in the ledger",
	})

	ConnectionState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "liqflow_feed_connection_state",
		Help: "Feed connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed)",
	}, []string{"provider"})

	Reconnects = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "liqflow_feed_reconnects_total",
		Help: "Transitions into the reconnecting state",
	}, []string{"provider"})

	RawChannelWaits = factory.NewCounter(prometheus.CounterOpts{
		Name: "liqflow_raw_channel_waits_total",
		Help: "Sends that found the raw channel full and had to wait",
	})

	ArchiveRecords = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "liqflow_archive_records_total",
		Help: "Archived liquidation records by upload result",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// HealthFunc reports whether the process is healthy, with details for the
// response body.
type HealthFunc func() (bool, logger.Fields)

// Router exposes /metrics and /healthz.
func Router(health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ok, details := true, logger.Fields{}
		if health != nil {
			ok, details = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = writeJSON(w, details)
	})
	return r
}

// Serve runs the metrics server on address until ctx is cancelled.
func Serve(ctx context.Context, address string, health HealthFunc) error {
	log := logger.GetLogger().WithComponent("metrics_server").WithFields(logger.Fields{"address": address})

	srv := &http.Server{
		Addr:              address,
		Handler:           Router(health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving prometheus metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
			return err
		}
		log.Info("metrics server stopped")
		return nil
	}
}
