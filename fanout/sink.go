// Package fanout implements the multi-client fan-out sink. A sink keeps a
// bounded look-back buffer of rendered frames and delivers the stream to
// every attached client socket concurrently, with burst-on-join, slow-client
// recovery and eviction.
//
// Ownership: Add transfers a socket to the sink; the gateway performs no
// further I/O on it. The sink reports clients it drops (slow, timed out,
// write failure) through the client-removed callback, handing the socket
// back for disposal.
package fanout

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmoutte/http-launch/errors"
	"github.com/jmoutte/http-launch/metric"
)

// SyncMethod selects the position in the buffered stream a joining client
// starts from. Values match the wire-level burst parameter carried in
// request paths.
type SyncMethod int

const (
	// SyncLatest starts at the most recent frame
	SyncLatest SyncMethod = 0
	// SyncLatestKeyframe starts at the most recent keyframe
	SyncLatestKeyframe SyncMethod = 2
	// SyncBurstKeyframe bursts buffered data from a keyframe at least the
	// requested min-time in the past
	SyncBurstKeyframe SyncMethod = 4
)

// Frame is one timestamped unit of the continuous stream
type Frame struct {
	Data     []byte
	PTS      time.Duration // running time since the pipeline started playing
	Keyframe bool
}

// Config holds a sink's fixed operating limits. These are set once at
// pipeline construction, never derived from requests.
type Config struct {
	// UnitsMax is the lag at which a slow client is dropped
	UnitsMax time.Duration
	// UnitsSoftMax is the lag at which keyframe recovery starts
	UnitsSoftMax time.Duration
	// Timeout bounds a single blocked write before the client is dropped
	Timeout time.Duration
	// TimeMin is how much history the look-back buffer retains
	TimeMin time.Duration
	// QueueLen is the per-client frame queue capacity
	QueueLen int
}

// DefaultConfig returns the operating limits used by the stock pipeline
func DefaultConfig() Config {
	return Config{
		UnitsMax:     7 * time.Second,
		UnitsSoftMax: 3 * time.Second,
		Timeout:      10 * time.Second,
		TimeMin:      120 * time.Second,
		QueueLen:     512,
	}
}

// Validate implements basic config sanity checks
func (c Config) Validate() error {
	if c.UnitsSoftMax > c.UnitsMax {
		return errors.WrapInvalid(
			fmt.Errorf("soft-max lag %v exceeds max lag %v", c.UnitsSoftMax, c.UnitsMax),
			"fanout", "Validate", "lag bounds")
	}
	if c.TimeMin <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("non-positive look-back window %v", c.TimeMin),
			"fanout", "Validate", "look-back window")
	}
	if c.QueueLen <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("non-positive queue length %d", c.QueueLen),
			"fanout", "Validate", "queue length")
	}
	return nil
}

// SinkDeps holds construction dependencies for a fan-out sink
type SinkDeps struct {
	Name            string
	Config          Config
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Sink buffers the stream and fans it out to attached client sockets
type Sink struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	metrics *sinkMetrics

	mu        sync.Mutex
	frames    []Frame // look-back buffer, oldest first
	caps      string
	capsSet   bool
	clients   map[uuid.UUID]*client
	closed    bool
	capsFn    func(contentType string)
	removedFn func(conn net.Conn)

	wg sync.WaitGroup
}

// NewSink creates a fan-out sink with the given operating limits
func NewSink(deps SinkDeps) (*Sink, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "fanout", "sink", deps.Name)
	}

	return &Sink{
		name:    deps.Name,
		cfg:     deps.Config,
		logger:  logger,
		metrics: newSinkMetrics(deps.MetricsRegistry, deps.Name),
		clients: make(map[uuid.UUID]*client),
	}, nil
}

// Name returns the sink's name, which doubles as the endpoint name
func (s *Sink) Name() string { return s.name }

// OnCapsResolved registers the callback fired exactly once when the sink's
// content type becomes known. Must be set before the pipeline starts.
func (s *Sink) OnCapsResolved(fn func(contentType string)) {
	s.mu.Lock()
	s.capsFn = fn
	s.mu.Unlock()
}

// OnClientRemoved registers the callback fired whenever the sink drops a
// client socket. Must be set before clients are added.
func (s *Sink) OnClientRemoved(fn func(conn net.Conn)) {
	s.mu.Lock()
	s.removedFn = fn
	s.mu.Unlock()
}

// SetCaps fixes the sink's content type. The first call wins and fires the
// caps-resolved callback; later calls are ignored.
func (s *Sink) SetCaps(contentType string) {
	s.mu.Lock()
	if s.capsSet {
		s.mu.Unlock()
		return
	}
	s.caps = contentType
	s.capsSet = true
	fn := s.capsFn
	s.mu.Unlock()

	s.logger.Info("Caps resolved", "content_type", contentType)
	if fn != nil {
		fn(contentType)
	}
}

// Caps reports the resolved content type, if known
func (s *Sink) Caps() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps, s.capsSet
}

// Buffered returns a snapshot of the look-back buffer, oldest first
func (s *Sink) Buffered() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// ClientCount returns the number of currently attached clients
func (s *Sink) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Add attaches a client socket to the sink, taking ownership of it. burst is
// the wire-level sync-method value; minTime and maxTime bound the playback
// window (negative values mean unset): minTime asks for at least that much
// buffered history, maxTime hard-caps the join burst. The join position is
// derived from the buffered frames per the sync method.
func (s *Sink) Add(conn net.Conn, burst int, minTime, maxTime time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapTransient(errors.ErrSinkClosed, "fanout", "Add", "attach client")
	}

	c := &client{
		id:    uuid.New(),
		conn:  conn,
		queue: make(chan Frame, s.cfg.QueueLen),
		done:  make(chan struct{}),
	}

	// Preload the join burst while still holding the lock so the client
	// cannot miss frames rendered during attachment.
	burstFrames := s.joinFramesLocked(SyncMethod(burst), minTime, maxTime)
	for _, f := range burstFrames {
		select {
		case c.queue <- f:
		default:
		}
	}

	s.clients[c.id] = c
	s.mu.Unlock()

	s.metrics.clientAdded()
	s.logger.Info("Client attached",
		"client", c.id,
		"remote", remoteAddr(conn),
		"burst", burst,
		"min_time", minTime,
		"burst_frames", len(burstFrames))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()
	return nil
}

// joinFramesLocked selects the frames a joining client receives up front.
// maxTime is a hard cap on the burst window: it wins over keyframe
// alignment when the two conflict. Callers hold s.mu.
func (s *Sink) joinFramesLocked(method SyncMethod, minTime, maxTime time.Duration) []Frame {
	if len(s.frames) == 0 {
		return nil
	}
	newest := s.frames[len(s.frames)-1].PTS

	var frames []Frame
	switch method {
	case SyncBurstKeyframe:
		if minTime < 0 {
			// No window requested: degrade to the moderate join point
			frames = s.frames[s.latestKeyframeLocked():]
			break
		}
		want := newest - minTime
		// Latest keyframe at or before the requested distance guarantees at
		// least minTime of buffered data, clamped to what we retain.
		start := 0
		for i := len(s.frames) - 1; i >= 0; i-- {
			if s.frames[i].Keyframe && s.frames[i].PTS <= want {
				start = i
				break
			}
		}
		frames = s.frames[start:]
	case SyncLatest:
		frames = s.frames[len(s.frames)-1:]
	default: // SyncLatestKeyframe and unrecognized burst values
		frames = s.frames[s.latestKeyframeLocked():]
	}

	if maxTime >= 0 {
		cut := 0
		for cut < len(frames) && newest-frames[cut].PTS > maxTime {
			cut++
		}
		frames = frames[cut:]
	}
	return frames
}

// latestKeyframeLocked returns the index of the most recent keyframe, or 0
func (s *Sink) latestKeyframeLocked() int {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Keyframe {
			return i
		}
	}
	return 0
}

// Render appends a frame to the look-back buffer and enqueues it to every
// attached client. Slow clients are resynced to the next keyframe past the
// soft lag bound and dropped past the hard bound. Render never writes to a
// socket while holding the sink lock.
func (s *Sink) Render(f Frame) {
	var evicted []*client

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.frames = append(s.frames, f)
	s.pruneLocked(f.PTS)

	for id, c := range s.clients {
		lag := f.PTS - time.Duration(c.sent.Load())
		if !c.started.Load() {
			lag = 0 // lag is meaningless until the first write lands
		}

		if lag > s.cfg.UnitsMax {
			delete(s.clients, id)
			c.reason = reasonLag
			evicted = append(evicted, c)
			continue
		}
		if lag > s.cfg.UnitsSoftMax {
			c.skipToKeyframe.Store(true)
		}

		select {
		case c.queue <- f:
		default:
			// Queue full: the writer cannot keep up at all
			delete(s.clients, id)
			c.reason = reasonOverflow
			evicted = append(evicted, c)
		}
	}
	s.mu.Unlock()

	s.metrics.frameRendered(len(f.Data))
	for _, c := range evicted {
		s.finishEvict(c)
	}
}

// pruneLocked drops frames older than the look-back window. Callers hold s.mu.
func (s *Sink) pruneLocked(newest time.Duration) {
	cutoff := newest - s.cfg.TimeMin
	firstKept := 0
	for firstKept < len(s.frames)-1 && s.frames[firstKept].PTS < cutoff {
		firstKept++
	}
	if firstKept > 0 {
		s.frames = append(s.frames[:0:0], s.frames[firstKept:]...)
	}
}

// Close detaches every client and rejects further Add and Render calls
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		delete(s.clients, id)
		c.reason = reasonShutdown
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.finishEvict(c)
	}
	s.wg.Wait()
}

// evict removes a client found defective by its own writer goroutine
func (s *Sink) evict(c *client, reason string) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return // already evicted by Render or Close
	}
	delete(s.clients, c.id)
	c.reason = reason
	s.mu.Unlock()

	s.finishEvict(c)
}

// finishEvict releases a client already removed from the map and reports the
// socket back through the client-removed callback. Safe to call exactly once
// per client; callers guarantee that by removing it from the map first.
func (s *Sink) finishEvict(c *client) {
	close(c.done)
	s.metrics.clientRemoved(c.reason)
	s.logger.Info("Client removed",
		"client", c.id,
		"remote", remoteAddr(c.conn),
		"reason", c.reason)

	s.mu.Lock()
	fn := s.removedFn
	s.mu.Unlock()
	if fn != nil {
		fn(c.conn)
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
