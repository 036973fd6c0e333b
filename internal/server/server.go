// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/metrics"
)

// Options configures the HTTP surface.
type Options struct {
	Addr       string
	BatchLimit int
	// Resolve maps model aliases; nil keeps names unchanged.
	Resolve ModelResolver
	// LookPath is used for CPU fallback diagnostics; nil uses exec.LookPath.
	LookPath hardware.LookPathFunc
}

// Server serves the transcription API.
type Server struct {
	http *http.Server
	log  *zap.Logger
	addr net.Addr
}

// NewMux registers every route. History is optional.
func NewMux(runner Runner, devices DeviceSource, store HistoryReader, opts Options, log *zap.Logger) *http.ServeMux {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	handle := func(path string, h http.Handler) {
		mux.Handle(path, metrics.Middleware(h, path))
	}

	handle("/v1/transcriptions", NewTranscriptionHandler(runner, opts.Resolve, log))
	handle("/v1/transcriptions/batch", NewBatchHandler(runner, opts.Resolve, opts.BatchLimit, log))
	handle("/v1/hardware", NewHardwareHandler(devices, opts.LookPath, log))
	handle("/v1/chain", NewChainHandler(runner, log))
	handle("/v1/models", NewModelsHandler(log))
	if store != nil {
		handle("/v1/history", NewHistoryHandler(store, log))
	}
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// New builds a server listening on opts.Addr once started.
func New(runner Runner, devices DeviceSource, store HistoryReader, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("server")
	return &Server{
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewMux(runner, devices, store, opts, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.log.Info("starting server", zap.String("addr", s.addr.String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() net.Addr { return s.addr }

// Shutdown stops accepting requests and waits for running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("stopping server")
	return s.http.Shutdown(ctx)
}
