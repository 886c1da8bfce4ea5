package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	server *http.Server
	logger zerolog.Logger
}

// NewMetricsServer builds a server for gatherer on listen. A nil gatherer selects the
// default registry.
func NewMetricsServer(listen string, gatherer prometheus.Gatherer, logger zerolog.Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &MetricsServer{
		server: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the mux for tests.
func (m *MetricsServer) Handler() http.Handler {
	return m.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (m *MetricsServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		m.logger.Info().Str("listen", m.server.Addr).Msg("metrics server listening")
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
