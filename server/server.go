package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/jamlinkio/jamlink/healthcheck"
	"github.com/jamlinkio/jamlink/metrics"
	"github.com/jamlinkio/jamlink/rooms"
	"github.com/jamlinkio/jamlink/server/listener/quic"
	"github.com/jamlinkio/jamlink/server/listener/ws"
)

// Config carries everything the service needs at construction time.
type Config struct {
	Meter metric.Meter

	// ListenAddress serves WebSocket signaling and the HTTP API.
	ListenAddress string
	// QUICListenAddress serves native clients, empty disables the listener.
	QUICListenAddress string
	// TLSConfig applies to both listeners when set.
	TLSConfig *tls.Config
	// AllowedOrigins admits browsers, for the WebSocket upgrade and for CORS.
	AllowedOrigins []string
}

// Server wires the registry, relay, gateway and listeners into one runnable
// service.
type Server struct {
	instanceID string
	registry   *rooms.Registry
	relay      *Relay
	gateway    *Gateway
	checker    *healthcheck.Checker

	wsListener   *ws.Listener
	quicListener *quic.Listener
}

func NewServer(cfg Config) (*Server, error) {
	appMetrics, err := metrics.NewAppMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("create app metrics: %w", err)
	}

	registry := rooms.NewRegistry()
	gateway := NewGateway(appMetrics)
	relay := NewRelay(registry, gateway, appMetrics)
	gateway.SetHandler(relay)

	err = appMetrics.RegisterGauges(
		func() int64 { return int64(registry.Len()) },
		func() int64 { return int64(gateway.NumConnections()) },
	)
	if err != nil {
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	srv := &Server{
		instanceID: xid.New().String(),
		registry:   registry,
		relay:      relay,
		gateway:    gateway,
		checker:    healthcheck.NewChecker(),
	}

	srv.wsListener = &ws.Listener{
		Address:        cfg.ListenAddress,
		TLSConfig:      cfg.TLSConfig,
		OriginPatterns: cfg.AllowedOrigins,
		API:            NewAPIHandler(registry, gateway, srv.checker, srv.instanceID, cfg.AllowedOrigins),
	}
	if cfg.QUICListenAddress != "" {
		srv.quicListener = &quic.Listener{
			Address:   cfg.QUICListenAddress,
			TLSConfig: cfg.TLSConfig,
		}
	}

	return srv, nil
}

// InstanceID identifies this process for the status API and logs.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Checker exposes the probe state, flipped by Listen and Shutdown.
func (s *Server) Checker() *healthcheck.Checker {
	return s.checker
}

// WSAddr returns the bound WebSocket address once Listen has started.
func (s *Server) WSAddr() net.Addr {
	return s.wsListener.Addr()
}

// Listen starts every configured listener and blocks until all of them have
// stopped. The service reports ready only once the primary listener holds
// its socket, a failed bind never shows up as a ready process.
func (s *Server) Listen() error {
	if _, err := s.wsListener.Bind(); err != nil {
		return fmt.Errorf("bind ws listener: %w", err)
	}

	wg := sync.WaitGroup{}

	var wsErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		wsErr = s.wsListener.Listen(s.gateway.Accept)
		if wsErr != nil {
			log.Errorf("failed to bind ws server: %s", wsErr)
		}
	}()

	var quicErr error
	if s.quicListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			quicErr = s.quicListener.Listen(s.gateway.Accept)
			if quicErr != nil {
				log.Errorf("failed to bind quic server: %s", quicErr)
			}
		}()
	}

	s.checker.SetReady(true)
	wg.Wait()

	var errs error
	if wsErr != nil {
		errs = multierror.Append(errs, wsErr)
	}
	if quicErr != nil {
		errs = multierror.Append(errs, quicErr)
	}
	return errs
}

// Shutdown stops accepting connections, then tears down the live ones. The
// readiness probe flips off first so load balancers drain us before the
// listeners close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.checker.SetReady(false)

	var errs error
	if err := s.wsListener.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("ws listener shutdown: %w", err))
	}
	if s.quicListener != nil {
		if err := s.quicListener.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("quic listener shutdown: %w", err))
		}
	}
	if err := s.gateway.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("gateway close: %w", err))
	}
	return errs
}
