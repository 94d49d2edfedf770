package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoutte/http-launch/endpoint"
	"github.com/jmoutte/http-launch/request"
)

// Connection is the per-socket handshake state. It exists from accept until
// exactly one removal event processes it; a connection handed to a fan-out
// sink stays tracked (detached from all I/O watching) until the sink's
// eviction notification removes it.
type Connection struct {
	id   string // remote address:port, for logging
	conn net.Conn

	// buf accumulates unparsed bytes; drained from the front once a
	// complete request is extracted. Touched only by the read loop.
	buf []byte

	// version is the negotiated protocol version used for responses
	version string

	// endpoint is a non-owning reference into the registry, set once a
	// path matches. The registry outlives every connection. Guarded by
	// the manager's live-set lock: deferred delivery reads it off the
	// resolver's goroutine.
	endpoint *endpoint.Endpoint

	// awaiting is true while a response is deferred pending endpoint
	// readiness; cleared by exactly one deliverer.
	awaiting atomic.Bool

	// writeMu serializes response writes: a deferred delivery can overlap
	// the read loop answering a later pipelined request.
	writeMu sync.Mutex

	idleTimer *time.Timer

	// detached marks a connection whose socket was handed to a sink: no
	// idle timer, no reads, removal only through eviction. Guarded by the
	// manager's live-set lock.
	detached bool
}

// ID returns the connection's remote address identity
func (c *Connection) ID() string { return c.id }

func newConnection(conn net.Conn) *Connection {
	id := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		id = addr.String()
	}
	return &Connection{
		id:      id,
		conn:    conn,
		version: request.DefaultVersion,
	}
}
