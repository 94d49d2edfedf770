// Package server implements the connection lifecycle and handshake protocol
// engine: accepting raw TCP connections, incrementally parsing one request
// per connection out of arbitrarily fragmented reads, matching paths against
// the endpoint registry, coordinating with asynchronously resolved endpoint
// readiness and handing accepted sockets off to fan-out sinks.
//
// Concurrency model: each connection is read by exactly one goroutine, which
// is also the only writer of its parse state. Response writes are serialized
// per connection: deferred delivery runs on the resolver's goroutine and can
// overlap the read loop answering a later pipelined request. The
// live-connection set has one lock; endpoint readiness has an independent
// one (owned by the endpoint registry). Removal is idempotent across its
// four trigger sites: idle timeout, read failure, invalid request and
// external eviction - the first remover unregisters the connection, so later
// triggers find nothing.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmoutte/http-launch/endpoint"
	"github.com/jmoutte/http-launch/errors"
	"github.com/jmoutte/http-launch/metric"
	"github.com/jmoutte/http-launch/request"
)

// Config holds the connection manager's fixed operating limits
type Config struct {
	// IdleTimeout is how long a connection may exist without completing a
	// valid handshake before it is dropped
	IdleTimeout time.Duration
	// MaxRequestBytes bounds the unparsed buffer; a connection exceeding
	// it without producing a complete request is dropped
	MaxRequestBytes int
	// ReadChunkSize is the per-read scratch buffer size
	ReadChunkSize int
}

// DefaultConfig returns the stock operating limits
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     5 * time.Second,
		MaxRequestBytes: 1024 * 1024,
		ReadChunkSize:   4096,
	}
}

// Validate implements basic config sanity checks
func (c Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "server", "Validate", "idle timeout")
	}
	if c.MaxRequestBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "server", "Validate", "request buffer bound")
	}
	if c.ReadChunkSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "server", "Validate", "read chunk size")
	}
	return nil
}

// ManagerDeps holds runtime dependencies for the connection manager
type ManagerDeps struct {
	Config          Config
	Registry        *endpoint.Registry
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	// OnFirstMatch fires exactly once, on the first successfully matched
	// request; the session uses it to start the pipeline.
	OnFirstMatch func()
}

// Manager owns the live connection set and drives accept, read, timeout,
// eviction and removal events.
type Manager struct {
	cfg          Config
	logger       *slog.Logger
	registry     *endpoint.Registry
	metrics      *Metrics
	onFirstMatch func()
	firstMatch   sync.Once

	mu    sync.Mutex
	conns map[*Connection]struct{}

	wg sync.WaitGroup
}

// NewManager creates a connection manager
func NewManager(deps ManagerDeps) (*Manager, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil endpoint registry"),
			"server", "NewManager", "registry validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}

	return &Manager{
		cfg:          deps.Config,
		logger:       logger,
		registry:     deps.Registry,
		metrics:      newMetrics(deps.MetricsRegistry),
		onFirstMatch: deps.OnFirstMatch,
		conns:        make(map[*Connection]struct{}),
	}, nil
}

// ConnCount returns the number of currently tracked connections
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Serve accepts connections on ln until the context is canceled or the
// listener fails. It owns the listener and closes it on the way out.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() { _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.WrapFatal(err, "server", "Serve", "accept")
		}
		m.onAccept(conn)
	}
}

// onAccept registers a new connection, arms its idle timer and starts its
// read loop.
func (m *Manager) onAccept(conn net.Conn) {
	c := newConnection(conn)

	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()

	m.metrics.accepted()
	m.logger.Info("New connection", "connection", c.id)

	c.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() { m.onTimeout(c) })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(c)
	}()
}

// readLoop drains the socket into the connection's buffer and extracts
// complete requests until the connection is removed or its socket handed
// off. It is the single writer of the connection's parse state.
func (m *Manager) readLoop(c *Connection) {
	chunk := make([]byte, m.cfg.ReadChunkSize)

	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			m.metrics.read(n)
			c.buf = append(c.buf, chunk[:n]...)
			if !m.processBuffer(c) {
				return
			}
		}
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				m.remove(c, "peer_closed")
			} else {
				m.remove(c, "read_error")
			}
			return
		}
	}
}

// processBuffer repeatedly extracts and processes complete requests from the
// connection's buffer. It returns false when the read loop must stop: the
// connection was removed, or its socket was handed off.
func (m *Manager) processBuffer(c *Connection) bool {
	for {
		raw, consumed := request.Extract(c.buf)
		if consumed == 0 {
			if len(c.buf) >= m.cfg.MaxRequestBytes {
				m.logger.Warn("No complete request within buffer bound",
					"connection", c.id, "buffered", len(c.buf))
				m.remove(c, "buffer_overflow")
				return false
			}
			return true
		}

		// Drain the request bytes regardless of the processing outcome so
		// the same bytes can never be re-processed.
		c.buf = c.buf[consumed:]

		if !m.processRequest(c, raw) {
			return false
		}
	}
}

// processRequest parses one complete request, routes it and issues the
// response or defers it pending endpoint readiness. For accepted GETs it
// detaches the connection from all I/O watching and transfers the socket to
// the endpoint's fan-out sink. It returns true when the read loop should
// keep going (successful HEAD).
func (m *Manager) processRequest(c *Connection, raw []byte) bool {
	req, err := request.Parse(raw)
	if err != nil {
		m.metrics.request("400")
		m.logger.Info("Bad request", "connection", c.id, "error", err)
		if m.writeResponse(c, badRequestResponse(c.version)) {
			m.remove(c, "bad_request")
		}
		return false
	}

	c.version = req.Version

	ep := m.registry.FindByName(req.Endpoint)
	if req.Endpoint == "" || ep == nil {
		m.metrics.request("404")
		m.logger.Info("No endpoint for request", "connection", c.id, "path", req.Target)
		if m.writeResponse(c, notFoundResponse(c.version)) {
			m.remove(c, "not_found")
		}
		return false
	}

	m.mu.Lock()
	c.endpoint = ep
	m.mu.Unlock()
	m.logger.Info("Matched endpoint",
		"connection", c.id,
		"endpoint", ep.Name(),
		"method", req.Method,
		"path", req.Target)

	// The awaiting flag must be up before the readiness check: a
	// resolution landing between Subscribe and any later store would
	// otherwise skip this connection. The version is captured by value so
	// the deferred response carries the version negotiated by the request
	// that deferred it, not one renegotiated by a later pipelined request.
	c.awaiting.Store(true)
	version := c.version
	contentType, resolved := m.registry.Subscribe(ep, func(ct string) {
		m.deliverReady(c, version, ct)
	})
	if resolved {
		c.awaiting.Store(false)
		m.metrics.request("200")
		if !m.writeResponse(c, okResponse(c.version, contentType)) {
			return false
		}
	} else {
		m.metrics.request("deferred")
		m.logger.Info("Deferring response until caps resolve",
			"connection", c.id, "endpoint", ep.Name())
	}

	keepReading := req.Method == request.MethodHead

	if req.Method == request.MethodGet {
		if !m.detach(c) {
			// Lost the race with a concurrent removal; the socket is
			// already closed.
			return false
		}
		m.logger.Info("Starting to stream",
			"connection", c.id,
			"endpoint", ep.Name(),
			"burst", int(req.Burst),
			"min_time", req.MinTime)
		if err := ep.Sink().Add(c.conn, int(req.Burst), req.MinTime, req.MaxTime); err != nil {
			m.logger.Error("Socket handoff failed",
				"connection", c.id, "endpoint", ep.Name(), "error", err)
			m.remove(c, "handoff_failed")
			return false
		}
		m.metrics.handoff()
	}

	if m.onFirstMatch != nil {
		m.firstMatch.Do(m.onFirstMatch)
	}

	return keepReading
}

// deliverReady sends the deferred 200 once the connection's endpoint has
// resolved. Exactly one delivery happens per waiting connection; a
// connection removed while waiting is skipped.
func (m *Manager) deliverReady(c *Connection, version, contentType string) {
	if !c.awaiting.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	_, live := m.conns[c]
	ep := c.endpoint
	m.mu.Unlock()
	if !live {
		return
	}

	m.metrics.request("200")
	m.logger.Info("Delivering deferred response",
		"connection", c.id,
		"endpoint", ep.Name(),
		"content_type", contentType)
	m.writeResponse(c, okResponse(version, contentType))
}

// writeResponse writes the full response, retrying partial writes. The
// per-connection write mutex keeps a deferred delivery and the read loop
// from interleaving bytes on one socket. A write failure removes the
// connection and reports false.
func (m *Manager) writeResponse(c *Connection, data []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			m.logger.Warn("Write error", "connection", c.id, "error", err)
			m.remove(c, "write_error")
			return false
		}
		data = data[n:]
	}
	return true
}

// detach marks a connection as handed off: its idle timer is disarmed and
// its read loop stops, while the record stays tracked until eviction. It
// reports false if the connection was concurrently removed.
func (m *Manager) detach(c *Connection) bool {
	m.mu.Lock()
	if _, ok := m.conns[c]; !ok {
		m.mu.Unlock()
		return false
	}
	c.detached = true
	m.mu.Unlock()

	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	return true
}

// onTimeout drops a connection that never completed a valid handshake
// within the idle window. A concurrently detached connection is left alone:
// its socket now belongs to a sink.
func (m *Manager) onTimeout(c *Connection) {
	m.mu.Lock()
	if _, ok := m.conns[c]; !ok || c.detached {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c)
	m.mu.Unlock()

	m.release(c, "timeout")
}

// OnEviction handles the fan-out sink reporting a socket it was given has
// been dropped. The still-tracked connection, if any, is removed; a socket
// no longer tracked was already disposed of by an earlier removal.
func (m *Manager) OnEviction(conn net.Conn) {
	m.mu.Lock()
	var found *Connection
	for c := range m.conns {
		if c.conn == conn {
			found = c
			break
		}
	}
	m.mu.Unlock()

	if found != nil {
		m.remove(found, "evicted")
		return
	}
	// Unknown socket: ownership came back from the sink with nothing
	// tracking it, so dispose of it here.
	_ = conn.Close()
}

// remove unregisters and releases a connection. The first caller wins;
// every later trigger for the same connection is a no-op.
func (m *Manager) remove(c *Connection, reason string) {
	m.mu.Lock()
	if _, ok := m.conns[c]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c)
	m.mu.Unlock()

	m.release(c, reason)
}

// release disarms the connection's watchers and closes its socket. Called
// exactly once per connection, after it left the live set.
func (m *Manager) release(c *Connection, reason string) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	_ = c.conn.Close()

	m.metrics.removed(reason)
	m.logger.Info("Removing connection", "connection", c.id, "reason", reason)
}

// Stop removes every tracked connection and waits for read loops to finish
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.remove(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"server", "Stop", "graceful shutdown")
	}
}
