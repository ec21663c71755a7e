// Package telemetry exposes Prometheus metrics for the trading core.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/internal/core"
)

var (
	// ActiveBots tracks the number of bots with a running supervisor.
	ActiveBots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_active_bots",
		Help: "Number of bots with a running supervisor",
	})

	// OrdersPlaced counts limit and market orders accepted by the exchange.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_orders_placed_total",
		Help: "Orders accepted by the exchange",
	}, []string{"side", "type"})

	// OrdersFilled counts fills the monitor has dispatched.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_orders_filled_total",
		Help: "Fills dispatched to the strategy",
	}, []string{"side"})

	// OrdersCancelled counts cancellations issued on stop and repair.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridbot_orders_cancelled_total",
		Help: "Orders cancelled by the manager",
	})

	// CyclesCompleted counts buy/sell round trips that realized profit.
	CyclesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridbot_cycles_completed_total",
		Help: "Completed buy/sell cycles",
	})

	// MonitorTicks counts supervisor polling iterations.
	MonitorTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridbot_monitor_ticks_total",
		Help: "Order monitor polling iterations",
	})

	// HealthRepairs counts repairs applied per check.
	HealthRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_health_repairs_total",
		Help: "Repairs applied by the health checker",
	}, []string{"check"})

	// SupervisorRestarts counts supervisor loop restarts after errors.
	SupervisorRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridbot_supervisor_restarts_total",
		Help: "Supervisor loop restarts after transient errors",
	})
)

// Server serves the /metrics endpoint.
type Server struct {
	srv    *http.Server
	logger core.ILogger
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, logger core.ILogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger.WithField("component", "telemetry"),
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
