// README: HTTP server; owns the gin engine and its graceful shutdown.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"ridecore/internal/http/handlers"
	"ridecore/internal/infra"
)

// RideService is the ride surface the API drives.
type RideService interface {
	handlers.RideService
	handlers.DriverRideService
}

type ServerDeps struct {
	Rides     RideService
	Decliner  handlers.Decliner
	Locations handlers.LocationService
	Pricing   handlers.PricingService
	Routes    handlers.RouteResolver
	Profiles  handlers.ProfileSource
	Realtime  handlers.Realtime
	Verifier  infra.TokenVerifier
	Registry  *prometheus.Registry
	Checks    map[string]handlers.Check
	Logger    *slog.Logger

	// AllowedOrigins enables CORS; "*" alone allows any origin.
	AllowedOrigins []string
}

type Server struct {
	srv *http.Server
	log *slog.Logger
}

func NewServer(addr string, deps ServerDeps) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: deps.Logger,
	}
}

// Run serves until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("http shutting down")
	return s.srv.Shutdown(shutdownCtx)
}
