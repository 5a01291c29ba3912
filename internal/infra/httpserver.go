package infra

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPServer serves the API until its context ends, then drains in-flight
// requests for at most the configured shutdown timeout.
type HTTPServer struct {
	server  *http.Server
	drain   time.Duration
	logger  zerolog.Logger
	onDrain []func(ctx context.Context) error
}

func NewHTTPServer(cfg *Config, handler http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              net.JoinHostPort("", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
			MaxHeaderBytes:    16 << 10,
			// net/http reports TLS and connection errors through ErrorLog.
			ErrorLog: log.New(logger.With().Str("component", "http").Logger(), "", 0),
		},
		drain:  cfg.ShutdownTimeout,
		logger: logger,
	}
}

// OnDrain registers work to finish after the listener has stopped, sharing
// the shutdown deadline. Hooks run in registration order.
func (s *HTTPServer) OnDrain(fn func(ctx context.Context) error) {
	s.onDrain = append(s.onDrain, fn)
}

func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// Run listens until ctx is cancelled or the listener fails.
func (s *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drain)
	defer cancel()
	err := s.server.Shutdown(drainCtx)
	if err != nil {
		s.logger.Error().Err(err).Msg("http shutdown incomplete")
	}
	for _, fn := range s.onDrain {
		if herr := fn(drainCtx); herr != nil {
			s.logger.Warn().Err(herr).Msg("drain hook failed")
		}
	}
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}
