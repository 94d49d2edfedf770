// Package pipeline provides a synthetic live media pipeline: a paced test
// source feeding one fan-out sink per configured endpoint. It stands in for
// a real capture/encode pipeline while keeping the observable surface the
// gateway depends on: enumerable fan-out sinks, a Ready->Playing transition
// triggered by the first accepted request, per-sink caps resolution after
// the first frame, and a bus delivering fatal error and end-of-stream
// notifications.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmoutte/http-launch/errors"
	"github.com/jmoutte/http-launch/fanout"
	"github.com/jmoutte/http-launch/metric"
)

// State is the pipeline's lifecycle state
type State int

const (
	// StateNull is the initial, unconfigured state
	StateNull State = iota
	// StateReady means sinks are built and the pipeline can start playing
	StateReady
	// StatePlaying means the source is producing frames
	StatePlaying
)

// String returns a string representation of the pipeline state
func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// MessageType classifies bus messages
type MessageType int

const (
	// MessageError reports a fatal pipeline failure
	MessageError MessageType = iota
	// MessageEOS reports end of stream
	MessageEOS
)

// Message is one pipeline bus notification. Either terminates the session.
type Message struct {
	Type MessageType
	Err  error
}

// Config describes the synthetic pipeline
type Config struct {
	// Sinks names the fan-out sinks to build, one endpoint each
	Sinks []string
	// ContentType is reported as each sink's caps once the source runs
	ContentType string
	// FrameRate is frames produced per second
	FrameRate int
	// FrameSize is the synthetic payload size in bytes
	FrameSize int
	// KeyframeInterval is the keyframe cadence in frames
	KeyframeInterval int
	// FrameLimit stops the source after this many frames with an EOS bus
	// message; zero means a live source that never ends
	FrameLimit int
	// Sink holds the fixed operating limits shared by all sinks
	Sink fanout.Config
}

// DefaultConfig mirrors the stock launch description: one sink named "test"
// carrying a synthetic matroska-flavored stream at 30 fps with a keyframe
// every 30 frames.
func DefaultConfig() Config {
	return Config{
		Sinks:            []string{"test"},
		ContentType:      "video/x-matroska",
		FrameRate:        30,
		FrameSize:        4096,
		KeyframeInterval: 30,
		Sink:             fanout.DefaultConfig(),
	}
}

// Validate implements basic config sanity checks
func (c Config) Validate() error {
	if len(c.Sinks) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidPipeline, "pipeline", "Validate", "no sinks configured")
	}
	seen := make(map[string]bool, len(c.Sinks))
	for _, name := range c.Sinks {
		if name == "" {
			return errors.WrapInvalid(errors.ErrInvalidPipeline, "pipeline", "Validate", "empty sink name")
		}
		if seen[name] {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate sink name %q: %w", name, errors.ErrInvalidPipeline),
				"pipeline", "Validate", "sink name uniqueness")
		}
		seen[name] = true
	}
	if c.FrameRate <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidPipeline, "pipeline", "Validate", "non-positive frame rate")
	}
	if c.FrameSize <= 0 || c.KeyframeInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidPipeline, "pipeline", "Validate", "frame geometry")
	}
	return c.Sink.Validate()
}

// Deps holds construction dependencies for the pipeline
type Deps struct {
	Config          Config
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Pipeline is the synthetic source plus its fan-out sinks
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	sinks  []*fanout.Sink
	bus    chan Message

	mu       sync.Mutex
	state    State
	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

// New builds the pipeline's sinks from the configuration. The pipeline
// starts in the null state; SetReady and Start drive it forward.
func New(deps Deps) (*Pipeline, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}

	p := &Pipeline{
		cfg:    deps.Config,
		logger: logger,
		bus:    make(chan Message, 4),
	}

	for _, name := range deps.Config.Sinks {
		sink, err := fanout.NewSink(fanout.SinkDeps{
			Name:            name,
			Config:          deps.Config.Sink,
			MetricsRegistry: deps.MetricsRegistry,
			Logger:          logger.With("sink", name),
		})
		if err != nil {
			return nil, errors.Wrap(err, "pipeline", "New", "build sink")
		}
		p.sinks = append(p.sinks, sink)
	}

	return p, nil
}

// Sinks returns the pipeline's fan-out sinks, one per endpoint
func (p *Pipeline) Sinks() []*fanout.Sink { return p.sinks }

// Bus returns the channel carrying fatal error and EOS notifications
func (p *Pipeline) Bus() <-chan Message { return p.bus }

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetReady transitions null -> ready. Done at startup, before the listener
// accepts its first connection.
func (p *Pipeline) SetReady() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateNull {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "pipeline", "SetReady", "state transition")
	}
	p.state = StateReady
	p.logger.Info("Pipeline ready", "sinks", len(p.sinks))
	return nil
}

// Start transitions ready -> playing and launches the source. It is
// idempotent: a second call while playing is a no-op, so every accepted
// request may safely trigger it.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}
	if p.state != StateReady {
		return errors.WrapFatal(errors.ErrNotStarted, "pipeline", "Start", "state transition")
	}

	p.shutdown = make(chan struct{})
	p.done = make(chan struct{})
	p.state = StatePlaying
	p.running.Store(true)

	p.logger.Info("Pipeline playing",
		"frame_rate", p.cfg.FrameRate,
		"content_type", p.cfg.ContentType)

	go func() {
		defer close(p.done)
		p.sourceLoop(ctx)
	}()
	return nil
}

// Stop halts the source and closes every sink
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.running.Load() {
		p.running.Store(false)
		close(p.shutdown)
	}
	done := p.done
	p.state = StateNull
	p.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
				"pipeline", "Stop", "graceful shutdown")
		}
	}

	for _, sink := range p.sinks {
		sink.Close()
	}
	return nil
}

// sourceLoop produces paced synthetic frames and renders them into every
// sink. Caps resolve on the first frame, matching a source that only knows
// its output format once data flows.
func (p *Pipeline) sourceLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(p.cfg.FrameRate), 1)
	frameDuration := time.Second / time.Duration(p.cfg.FrameRate)
	payload := make([]byte, p.cfg.FrameSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	for frameIndex := 0; ; frameIndex++ {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		if p.cfg.FrameLimit > 0 && frameIndex >= p.cfg.FrameLimit {
			p.postMessage(Message{Type: MessageEOS})
			return
		}

		frame := fanout.Frame{
			Data:     payload,
			PTS:      time.Duration(frameIndex) * frameDuration,
			Keyframe: frameIndex%p.cfg.KeyframeInterval == 0,
		}

		for _, sink := range p.sinks {
			if frameIndex == 0 {
				sink.SetCaps(p.cfg.ContentType)
			}
			sink.Render(frame)
		}
	}
}

// postMessage delivers a bus message without ever blocking the source
func (p *Pipeline) postMessage(msg Message) {
	select {
	case p.bus <- msg:
	default:
		p.logger.Warn("Dropping pipeline bus message", "type", msg.Type, "error", msg.Err)
	}
}
