package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"fusion_api/internal/limits"
	"fusion_api/internal/runtime"
)

type Server struct {
	Addr string

	httpServer   *http.Server
	ln           net.Listener
	limits       limits.Limits
	shutdown     runtime.ShutdownConfig
	inflight     *runtime.InflightTracker
	stoppers     []Stopper
	closeIdle    []func()
	logger       *log.Logger
	shutdownOnce sync.Once
	shutdownErr  error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

type Options struct {
	Limits    limits.Limits
	Shutdown  runtime.ShutdownConfig
	Inflight  *runtime.InflightTracker
	Stoppers  []Stopper
	CloseIdle []func()
	Logger    *log.Logger
}

func Start(handler http.Handler, addr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if addr == "" {
		return nil, errors.New("no listen address configured")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	shutdownConfig := runtime.ApplyShutdownDefaults(options.Shutdown)
	logger := options.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	httpSrv := &http.Server{
		Handler:           limitConfig.LimitBody(options.Inflight.Track(handler)),
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
	}
	go serve(httpSrv, ln, logger)

	return &Server{
		Addr:       ln.Addr().String(),
		httpServer: httpSrv,
		ln:         ln,
		limits:     limitConfig,
		shutdown:   shutdownConfig,
		inflight:   options.Inflight,
		stoppers:   options.Stoppers,
		closeIdle:  options.CloseIdle,
		logger:     logger,
	}, nil
}

func serve(server *http.Server, ln net.Listener, logger *log.Logger) {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Shutdown stops accepting connections, runs the stoppers, waits out the
// drain period and the in-flight requests, and force-closes whatever is
// left after the graceful timeout.
func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	_ = s.ln.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			s.logger.Warn("stopper failed", "err", err)
		}
	}
	stopCancel()

	if s.shutdown.Drain > 0 {
		time.Sleep(s.shutdown.Drain)
	}

	for _, closeIdle := range s.closeIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()
	if s.inflight != nil {
		_ = s.inflight.Wait(gracefulCtx)
	}
	var firstErr error
	if err := s.httpServer.Shutdown(gracefulCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		firstErr = err
	}
	if gracefulCtx.Err() == nil {
		return firstErr
	}

	s.logger.Warn("graceful shutdown timed out, forcing close", "inflight", s.inflight.Count())
	if s.shutdown.ForceClose > 0 {
		time.Sleep(s.shutdown.ForceClose)
	}
	_ = s.httpServer.Close()
	if firstErr != nil {
		return firstErr
	}
	return gracefulCtx.Err()
}
