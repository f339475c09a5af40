// Package app wires the listener, the work queue, the worker and the admin
// surfaces together and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/readsock/internal/config"
	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/queue"
	"github.com/lexiqai/readsock/internal/resilience"
	"github.com/lexiqai/readsock/internal/server"
	"github.com/lexiqai/readsock/internal/sink"
	"github.com/lexiqai/readsock/internal/worker"
)

const (
	// adminShutdownTimeout bounds the admin HTTP and gRPC health shutdown.
	adminShutdownTimeout = 5 * time.Second

	// workerAbortTimeout bounds the wait for the worker after its context
	// is cancelled.
	workerAbortTimeout = 5 * time.Second
)

// App is one readsock process.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	queue  *queue.Queue
	worker *worker.Worker
	server *server.Server

	sinkFactory worker.SinkFactory
	sink        atomic.Value // sink.Sink once the worker has built it

	admin         *http.Server
	adminListener net.Listener
	grpc          *observability.GRPCHealth
	grpcListener  net.Listener

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithSinkFactory overrides the sink built from the configuration.
func WithSinkFactory(f worker.SinkFactory) Option {
	return func(a *App) { a.sinkFactory = f }
}

// New creates an App for cfg.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) *App {
	a := &App{
		cfg:    cfg,
		logger: logger.With().Str("component", "app").Logger(),
		ready:  make(chan struct{}),
	}
	a.sinkFactory = func(context.Context) (sink.Sink, error) {
		return sink.New(cfg, logger)
	}
	for _, opt := range opts {
		opt(a)
	}

	a.queue = queue.New(cfg.QueueCapacity, queue.WithDepthObserver(observability.SetQueueDepth))
	a.worker = worker.New(a.queue, a.buildSink, worker.Options{Announce: cfg.Announce}, logger)
	a.server = server.New(a.queue, server.Options{
		Backlog:        cfg.ListenBacklog,
		ReadBufferSize: cfg.ReadBufferSize,
		ChunkCapacity:  cfg.ChunkBufferCapacity,
	}, logger)
	return a
}

// Ready is closed once every socket is bound and the goroutines are started.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the request listener address.
func (a *App) Addr() net.Addr {
	return a.server.Addr()
}

// AdminAddr returns the admin HTTP address, or nil when disabled.
func (a *App) AdminAddr() net.Addr {
	if a.adminListener == nil {
		return nil
	}
	return a.adminListener.Addr()
}

// GRPCHealthAddr returns the gRPC health address, or nil when disabled.
func (a *App) GRPCHealthAddr() net.Addr {
	if a.grpcListener == nil {
		return nil
	}
	return a.grpcListener.Addr()
}

// Run binds every socket, starts the worker and serves until ctx is done or
// a component fails, then shuts down in order. A bind failure is returned
// as *server.BindError before anything is started.
func (a *App) Run(ctx context.Context) error {
	if err := a.bind(ctx); err != nil {
		return err
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	// The worker is kept out of the group so a stuck sink cannot pin Run
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- a.worker.Run(workerCtx)
	}()

	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		return a.server.Serve(serveCtx)
	})
	if a.admin != nil {
		g.Go(func() error {
			if err := a.admin.Serve(a.adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	if a.grpc != nil {
		g.Go(func() error {
			return a.grpc.Serve(a.grpcListener)
		})
	}

	if a.cfg.Announce {
		msg := listeningAnnouncement(a.cfg, a.Addr())
		if err := a.queue.Enqueue(ctx, queue.Request(msg, "announce", "")); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to queue listening announcement")
		}
	}
	if a.grpc != nil {
		a.grpc.SetServing(true)
	}
	a.readyOnce.Do(func() { close(a.ready) })

	a.logger.Info().
		Str("addr", a.Addr().String()).
		Str("admin_addr", a.cfg.AdminAddr).
		Str("grpc_health_addr", a.cfg.GRPCHealthAddr).
		Msg("readsock started")

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutdown signal received")
	case <-gctx.Done():
		a.logger.Warn().Msg("Component stopped, shutting down")
	case <-a.worker.Done():
		a.logger.Warn().Msg("Worker exited, shutting down")
	}

	a.shutdown(cancelWorker)
	cancelServe()
	err := g.Wait()

	select {
	case <-a.worker.Done():
		if werr := <-workerErr; err == nil {
			err = werr
		}
	default:
	}
	return err
}

// listeningAnnouncement names the address as configured, so "localhost"
// is spoken as such; the bound address is used only for an ephemeral port.
func listeningAnnouncement(cfg *config.Config, bound net.Addr) string {
	addr := cfg.ListenAddr()
	if cfg.Port == 0 && bound != nil {
		addr = bound.String()
	}
	return "Listening for requests on " + addr
}

// shutdown closes the listener and every connection, lets the worker finish
// what was queued before the stop marker, and cancels it when the grace
// period runs out.
func (a *App) shutdown(cancelWorker context.CancelFunc) {
	if a.grpc != nil {
		a.grpc.SetServing(false)
	}
	if err := a.server.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close listener")
	}

	go a.worker.Stop()
	grace := a.cfg.ShutdownGrace()
	timer := time.NewTimer(grace)
	select {
	case <-a.worker.Done():
		timer.Stop()
	case <-timer.C:
		a.logger.Warn().Dur("grace", grace).Msg("Worker did not finish in time, cancelling")
		cancelWorker()
		select {
		case <-a.worker.Done():
		case <-time.After(workerAbortTimeout):
			a.logger.Error().Msg("Worker ignored cancellation, exiting without it")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Admin server forced to shutdown")
		}
	}
	if a.grpc != nil {
		a.grpc.Stop(ctx)
	}
	a.server.Wait()
	a.logger.Info().Msg("Shutdown complete")
}

func (a *App) bind(ctx context.Context) error {
	if err := a.server.Listen(ctx, a.cfg.ListenAddr()); err != nil {
		return err
	}

	if a.cfg.AdminAddr != "" {
		l, err := net.Listen("tcp", a.cfg.AdminAddr)
		if err != nil {
			_ = a.server.Close()
			return &server.BindError{Addr: a.cfg.AdminAddr, Err: err}
		}
		a.adminListener = l
		a.admin = &http.Server{
			Handler:           a.adminMux(),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	if a.cfg.GRPCHealthAddr != "" {
		l, err := net.Listen("tcp", a.cfg.GRPCHealthAddr)
		if err != nil {
			_ = a.server.Close()
			if a.adminListener != nil {
				_ = a.adminListener.Close()
			}
			return &server.BindError{Addr: a.cfg.GRPCHealthAddr, Err: err}
		}
		a.grpcListener = l
		a.grpc = observability.NewGRPCHealth()
	}
	return nil
}

func (a *App) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"worker":   a.workerCheck,
		"listener": a.listenerCheck,
		"sink":     a.sinkCheck,
	}))
	if a.cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if a.cfg.WebSocketEnabled {
		mux.HandleFunc("/ws", a.server.HandleWebSocket())
	}
	return mux
}

// buildSink runs on the worker thread with the worker's context. A failed
// health check of a remote engine is only logged; the breaker handles a
// server that stays down.
func (a *App) buildSink(ctx context.Context) (sink.Sink, error) {
	s, err := a.sinkFactory(ctx)
	if err != nil {
		return nil, err
	}
	a.sink.Store(s)

	if p, ok := s.(interface{ Probe(context.Context) error }); ok {
		if err := p.Probe(ctx); err != nil {
			a.logger.Warn().Err(err).Str("sink", s.Name()).Msg("Speech engine failed its health check")
		}
	}
	return s, nil
}

func (a *App) workerCheck(context.Context) (bool, error) {
	if !a.worker.Running() {
		return false, errors.New("worker is not running")
	}
	return true, nil
}

func (a *App) listenerCheck(context.Context) (bool, error) {
	if !a.server.Listening() {
		return false, errors.New("listener is closed")
	}
	return true, nil
}

func (a *App) sinkCheck(context.Context) (bool, error) {
	s, ok := a.sink.Load().(sink.Sink)
	if !ok {
		return false, errors.New("sink not created yet")
	}
	if b, ok := s.(interface {
		CircuitStats() (resilience.CircuitState, float64)
	}); ok {
		if state, failureRate := b.CircuitStats(); state == resilience.StateOpen {
			return false, fmt.Errorf("circuit breaker is %s, %.1f%% of requests failed", state, failureRate)
		}
	}
	return true, nil
}
