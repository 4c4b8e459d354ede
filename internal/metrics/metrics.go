// Package metrics exposes the daemon's operational counters over
// Prometheus, the way grimm-is-flywall and tos-network/tos-pool surface
// their own enforcement/service metrics alongside structured logs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinesParsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_lines_parsed_total",
		Help: "Total access-log lines successfully parsed into a LogRecord.",
	})

	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_parse_errors_total",
		Help: "Total access-log lines dropped because they did not match the parser regex or their address did not parse.",
	})

	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_classifications_total",
		Help: "Total records classified, by result.",
	}, []string{"result"})

	BansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_bans_total",
		Help: "Total IPs pushed into the kernel ipset.",
	})

	FirewallErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_firewall_errors_total",
		Help: "Total failed ipset/iptables invocations.",
	})

	ScoreTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_score_table_size",
		Help: "Current number of tracked (non-banned) IPs in the score table.",
	})

	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_config_reloads_total",
		Help: "Total config reload attempts, by result.",
	}, []string{"result"})
)

// Server serves the /metrics endpoint. A Server constructed from an
// empty addr has no HTTP server and is a valid no-op, matching
// Config.MetricsAddr's "empty disables it" contract.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a metrics HTTP server bound to addr. If addr is
// empty, Serve only waits for ctx to be cancelled.
func NewServer(addr string) *Server {
	if addr == "" {
		return &Server{}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.httpServer == nil {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
