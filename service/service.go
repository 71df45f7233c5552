// Package service hosts the station's network-facing monitoring
// endpoint: a healthz/status server and a Prometheus metrics server. It
// is started alongside the orchestrator and stopped together with it on
// interrupt.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/factorykit/cell-sequencer/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	// HealthzPort is the default healthz/status port when none is
	// configured.
	HealthzPort = 8080

	MetricsHost = "0.0.0.0"
)

type Service struct {
	Healthz     *HealthzServer
	Metrics     *MetricsServer
	healthzPort int
	metricsPort int
}

// New creates the monitoring service. The status provider is rendered as
// JSON at /status. Ports are taken as configured; port 0 binds an
// ephemeral OS-assigned port.
func New(status StatusProvider, healthzPort, metricsPort int) *Service {
	return &Service{
		Healthz:     &HealthzServer{status: status},
		Metrics:     &MetricsServer{},
		healthzPort: healthzPort,
		metricsPort: metricsPort,
	}
}

// Port returns the configured healthz/status listen port.
func (s *Service) Port() int {
	return s.healthzPort
}

// MetricsPort returns the configured metrics listen port.
func (s *Service) MetricsPort() int {
	return s.metricsPort
}

func (s *Service) Start(ctx context.Context) {
	log.Info("service starting")

	go func() {
		addr := net.JoinHostPort(HealthzHost, strconv.Itoa(s.healthzPort))
		log.Info("starting healthz server", "addr", addr)
		if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("error starting healthz server", err)
		}
	}()

	go func() {
		addr := net.JoinHostPort(MetricsHost, strconv.Itoa(s.metricsPort))
		log.Info("starting metrics server", "addr", addr)
		if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error starting metrics server", "err", err)
			metrics.RecordErrorDetails("error starting metrics server", err)
		}
	}()

	log.Info("service started")
}

func (s *Service) Shutdown() {
	log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	log.Info("metrics stopped")

	log.Info("service stopped")
}
