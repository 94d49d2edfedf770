// Package session wires the whole gateway together: it builds the endpoint
// registry from the pipeline's fan-out sinks, routes the pipeline's
// caps-resolved and client-evicted notifications into the connection
// manager, starts the pipeline on the first successfully matched request and
// runs the accept loop until a fatal pipeline message or cancellation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmoutte/http-launch/endpoint"
	"github.com/jmoutte/http-launch/errors"
	"github.com/jmoutte/http-launch/metric"
	"github.com/jmoutte/http-launch/pipeline"
	"github.com/jmoutte/http-launch/server"
)

// Config holds the session's listen address
type Config struct {
	// Addr is the TCP listen address, typically ":PORT"
	Addr string
	// Server holds the connection manager's operating limits
	Server server.Config
}

// DefaultConfig returns the stock session configuration for a port
func DefaultConfig(port int) Config {
	return Config{
		Addr:   fmt.Sprintf(":%d", port),
		Server: server.DefaultConfig(),
	}
}

// Validate implements basic config sanity checks
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Validate", "listen address")
	}
	return c.Server.Validate()
}

// Deps holds construction dependencies for a session
type Deps struct {
	Config          Config
	Pipeline        *pipeline.Pipeline
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Session is the top-level orchestrator: one pipeline, one endpoint
// registry, one connection manager, one listener.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	registry *endpoint.Registry
	manager  *server.Manager

	// startFailed carries a pipeline start failure from the first-match
	// trigger into the run loop, where it terminates the session.
	startFailed chan error

	// ready closes once the listener is bound; addr is valid after that
	ready chan struct{}
	addr  string

	runCtx context.Context
}

// New builds a session around an existing pipeline. Every fan-out sink
// becomes one endpoint; the sinks' caps and eviction callbacks are
// subscribed here, before any connection can be accepted.
func New(deps Deps) (*Session, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Pipeline == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil pipeline"),
			"session", "New", "pipeline validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}

	s := &Session{
		cfg:         deps.Config,
		logger:      logger,
		pipeline:    deps.Pipeline,
		registry:    endpoint.NewRegistry(logger.With("component", "endpoint-registry")),
		startFailed: make(chan error, 1),
		ready:       make(chan struct{}),
	}

	manager, err := server.NewManager(server.ManagerDeps{
		Config:          deps.Config.Server,
		Registry:        s.registry,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          logger.With("component", "server"),
		OnFirstMatch:    s.onFirstMatch,
	})
	if err != nil {
		return nil, errors.Wrap(err, "session", "New", "build connection manager")
	}
	s.manager = manager

	for _, sink := range deps.Pipeline.Sinks() {
		ep := s.registry.Add(sink)
		sink := sink
		sink.OnCapsResolved(func(contentType string) {
			s.registry.MarkResolved(ep, contentType)
		})
		sink.OnClientRemoved(func(conn net.Conn) {
			s.manager.OnEviction(conn)
		})
	}

	return s, nil
}

// Registry returns the endpoint registry built from the pipeline's sinks
func (s *Session) Registry() *endpoint.Registry { return s.registry }

// Ready closes once the listener is bound; Addr is valid afterwards
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address. Valid only after Ready.
func (s *Session) Addr() string { return s.addr }

// Manager returns the connection manager
func (s *Session) Manager() *server.Manager { return s.manager }

// onFirstMatch starts the pipeline on the first successfully matched
// request. The connection manager guarantees a single invocation; a start
// failure is fatal and terminates the run loop.
func (s *Session) onFirstMatch() {
	if err := s.pipeline.Start(s.runCtx); err != nil {
		s.logger.Error("Pipeline start failed", "error", err)
		select {
		case s.startFailed <- err:
		default:
		}
	}
}

// Run binds the listener, transitions the pipeline to ready and serves until
// the context is canceled, the pipeline posts an error or end-of-stream, or
// a first-request pipeline start fails. End of stream is a clean stop; a
// pipeline error is returned as fatal.
func (s *Session) Run(ctx context.Context) error {
	if err := s.pipeline.SetReady(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrListenFailed, err),
			"session", "Run", "bind "+s.cfg.Addr)
	}
	s.addr = ln.Addr().String()
	close(s.ready)
	s.logger.Info("Listening",
		"addr", s.addr,
		"endpoints", s.registry.Names())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return s.manager.Serve(gctx, ln)
	})

	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.startFailed:
			return errors.WrapFatal(err, "session", "Run", "pipeline start")
		case msg := <-s.pipeline.Bus():
			switch msg.Type {
			case pipeline.MessageEOS:
				s.logger.Info("End of stream, stopping")
				return nil
			default:
				return errors.WrapFatal(
					fmt.Errorf("%w: %v", errors.ErrPipelineFailed, msg.Err),
					"session", "Run", "pipeline bus")
			}
		}
	})

	return g.Wait()
}

// Stop shuts down the connection manager and the pipeline
func (s *Session) Stop(timeout time.Duration) error {
	var firstErr error
	if err := s.manager.Stop(timeout); err != nil {
		firstErr = err
	}
	if err := s.pipeline.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
