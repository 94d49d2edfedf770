package fanout

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Eviction reasons, used for logging and the removal metric label
const (
	reasonLag        = "lag"
	reasonOverflow   = "queue_overflow"
	reasonWriteError = "write_error"
	reasonTimeout    = "write_timeout"
	reasonShutdown   = "shutdown"
)

// client is one attached socket and its delivery state. The sink lock guards
// map membership; the writer goroutine owns the socket.
type client struct {
	id    uuid.UUID
	conn  net.Conn
	queue chan Frame
	done  chan struct{}

	// sent is the PTS of the last frame fully written, in nanoseconds
	sent           atomic.Int64
	started        atomic.Bool
	skipToKeyframe atomic.Bool

	// reason is set under the sink lock when the client leaves the map
	reason string
}

// writeLoop drains the client's queue onto its socket until the client is
// evicted. It applies keyframe recovery when the sink has flagged the client
// as lagging, and evicts on any write failure or a write blocked past the
// configured timeout.
func (s *Sink) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.queue:
			if c.skipToKeyframe.Load() {
				if !f.Keyframe {
					continue
				}
				c.skipToKeyframe.Store(false)
			}

			if err := s.writeFrame(c, f); err != nil {
				reason := reasonWriteError
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					reason = reasonTimeout
				}
				s.evict(c, reason)
				return
			}

			c.sent.Store(int64(f.PTS))
			c.started.Store(true)
			s.metrics.frameDelivered(len(f.Data))
		}
	}
}

// writeFrame writes one frame, retrying partial writes until the buffer is
// fully sent or the write fails.
func (s *Sink) writeFrame(c *client, f Frame) error {
	if s.cfg.Timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	}

	data := f.Data
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
