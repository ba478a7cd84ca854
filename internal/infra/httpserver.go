package infra

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// HTTPServer serves a handler until its context ends, then drains in-flight
// requests for at most ShutdownGrace.
type HTTPServer struct {
	server        *http.Server
	shutdownGrace time.Duration
	logger        Logger
}

// NewHTTPServer builds the public API server from config timeouts.
func NewHTTPServer(cfg *Config, handler http.Handler, logger Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			// Streaming handlers clear their own write deadline.
			WriteTimeout: cfg.HTTPWriteTimeout,
			IdleTimeout:  cfg.HTTPIdleTimeout,
		},
		shutdownGrace: cfg.HTTPIdleTimeout,
		logger:        logger,
	}
}

// NewInternalServer is a plain listener for side endpoints such as the
// worker's /metrics.
func NewInternalServer(addr string, handler http.Handler, logger Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownGrace: 5 * time.Second,
		logger:        logger,
	}
}

// Run listens until ctx is done and returns nil after a clean shutdown.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("http: listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("http: shutdown incomplete")
		return err
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("http: stopped")
	return nil
}
