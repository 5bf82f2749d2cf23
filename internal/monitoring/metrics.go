// Package monitoring exposes Prometheus metrics fed from the event bus.
package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"strategy-bot-go/internal/eventbus"
	"strategy-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "strategy_bot"

// Metrics holds every collector of the process.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RealizedPnL       *prometheus.GaugeVec

	// Order metrics
	OrdersFilled  *prometheus.CounterVec
	OrderNotional *prometheus.HistogramVec

	// Engine metrics
	PendingRuns     prometheus.Gauge
	MissedRuns      prometheus.Counter
	DailyOrderCount prometheus.Gauge
	EmergencyStop   prometheus.Gauge
	ActiveBots      prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by bot and status",
		}, []string{"bot_id", "status"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of one pipeline run",
			Buckets:   prometheus.DefBuckets,
		}, []string{"bot_id"}),
		RealizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl",
			Help:      "Realized profit and loss since process start",
		}, []string{"bot_id"}),
		OrdersFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_filled_total",
			Help:      "Filled orders by symbol and side",
		}, []string{"symbol", "side"}),
		OrderNotional: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_notional",
			Help:      "Distribution of filled order notional",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}, []string{"symbol"}),
		PendingRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pending_runs",
			Help:      "Scheduled runs waiting in the queue",
		}),
		MissedRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "missed_runs_total",
			Help:      "Scheduled runs marked missed",
		}),
		DailyOrderCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "daily_order_count",
			Help:      "Orders executed today against the global budget",
		}),
		EmergencyStop: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "emergency_stop",
			Help:      "1 while the emergency stop is engaged",
		}),
		ActiveBots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_bots",
			Help:      "Bots in ACTIVE status",
		}),
	}
}

// Subscribe feeds the execution and fill metrics from the bus.
func (m *Metrics) Subscribe(bus *eventbus.Bus) {
	bus.OnExecutionComplete(m.RecordExecution)
	bus.OnOrderFilled(m.RecordFill)
}

// RecordExecution counts a finished execution.
func (m *Metrics) RecordExecution(exec *models.Execution) {
	m.ExecutionsTotal.WithLabelValues(exec.BotID, string(exec.Status)).Inc()
	if !exec.FinishedAt.IsZero() && !exec.StartedAt.IsZero() {
		m.ExecutionDuration.WithLabelValues(exec.BotID).Observe(exec.FinishedAt.Sub(exec.StartedAt).Seconds())
	}
	if exec.RealizedPnL != 0 {
		m.RealizedPnL.WithLabelValues(exec.BotID).Add(exec.RealizedPnL)
	}
}

// RecordFill counts a filled order.
func (m *Metrics) RecordFill(o *models.Order) {
	m.OrdersFilled.WithLabelValues(o.Symbol, string(o.Side)).Inc()
	m.OrderNotional.WithLabelValues(o.Symbol).Observe(o.FilledQuantity * o.FilledPrice)
}

// SetEngineState publishes the engine gauges.
func (m *Metrics) SetEngineState(pending, dailyOrders, activeBots int, emergency bool) {
	m.PendingRuns.Set(float64(pending))
	m.DailyOrderCount.Set(float64(dailyOrders))
	m.ActiveBots.Set(float64(activeBots))
	if emergency {
		m.EmergencyStop.Set(1)
	} else {
		m.EmergencyStop.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
