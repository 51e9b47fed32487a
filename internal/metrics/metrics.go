package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dyluth/parley/pkg/forum"
)

// Metrics counts what the stream path does. It implements reconcile.Observer.
// Each instance owns its registry so tests and multiple sessions stay isolated.
type Metrics struct {
	reg *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	MalformedTotal    *prometheus.CounterVec
	ResyncsTotal      *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	RelayedTotal      *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
}

// New registers the parley collectors plus the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_stream_events_total",
				Help: "Push events and confirmed sends merged into a channel",
			},
			[]string{"channel", "action", "result"}, // result: applied or unchanged
		),

		MalformedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_stream_malformed_total",
				Help: "Push payloads that failed to decode and were skipped",
			},
			[]string{"channel"},
		),

		ResyncsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_stream_resyncs_total",
				Help: "Refetches after the push channel reconnected",
			},
			[]string{"channel", "result"}, // ok or error
		),

		SendFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_send_failures_total",
				Help: "Local sends rejected by the server or the network",
			},
			[]string{"channel"},
		),

		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_stream_reconnects_total",
				Help: "Successful reconnects of a push subscription",
			},
			[]string{"channel"},
		),

		RelayedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_relay_events_total",
				Help: "Events forwarded from the forum push channel to redis",
			},
			[]string{"channel"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Open channel sessions",
			},
		),
	}
}

func label(channelID int64) string {
	return strconv.FormatInt(channelID, 10)
}

// Applied counts a merged event.
func (m *Metrics) Applied(channelID int64, ev forum.Event, changed bool) {
	result := "unchanged"
	if changed {
		result = "applied"
	}
	m.EventsTotal.WithLabelValues(label(channelID), string(ev.Action), result).Inc()
}

// Malformed counts a skipped payload.
func (m *Metrics) Malformed(channelID int64, _ error) {
	m.MalformedTotal.WithLabelValues(label(channelID)).Inc()
}

// Resynced counts a refetch; err is nil on success.
func (m *Metrics) Resynced(channelID int64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ResyncsTotal.WithLabelValues(label(channelID), result).Inc()
}

// SendFailed counts a rejected local send.
func (m *Metrics) SendFailed(channelID int64, _ error) {
	m.SendFailuresTotal.WithLabelValues(label(channelID)).Inc()
}

// Reconnected matches stream.Reconnecting.OnReconnect.
func (m *Metrics) Reconnected(channelID int64, _ int) {
	m.ReconnectsTotal.WithLabelValues(label(channelID)).Inc()
}

// Relayed counts one event forwarded by the relay.
func (m *Metrics) Relayed(channelID int64) {
	m.RelayedTotal.WithLabelValues(label(channelID)).Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func (m *Metrics) SessionOpened() { m.ActiveSessions.Inc() }

func (m *Metrics) SessionClosed() { m.ActiveSessions.Dec() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
