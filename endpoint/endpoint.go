// Package endpoint maintains the registry of named stream endpoints. Each
// endpoint fronts one fan-out sink and carries the sink's content type,
// which is unknown until the upstream source produces its first frame.
//
// Readiness is monotonic: an endpoint resolves at most once and never
// regresses. The registry serializes the resolution transition with the
// registration of pending deliveries under a single lock, so a connection
// that observes "not resolved yet" is guaranteed to receive the later
// resolution callback (no lost wakeups).
package endpoint

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// Sink is the fan-out sink instance behind an endpoint: the name the
// registry matches against and the handoff operation the connection manager
// invokes for accepted GET requests. Add transfers ownership of the socket
// to the sink; burst and the min/max playback-window bounds are derived from
// the request path.
type Sink interface {
	Name() string
	Add(conn net.Conn, burst int, minTime, maxTime time.Duration) error
}

// Endpoint is one named, independently addressable stream source
type Endpoint struct {
	name string
	sink Sink

	// Guarded by the owning registry's mutex
	contentType string
	resolved    bool
}

// Name returns the endpoint's stable identifier, matched against the first
// path segment of incoming requests.
func (e *Endpoint) Name() string { return e.name }

// Sink returns the fan-out sink this endpoint fronts
func (e *Endpoint) Sink() Sink { return e.sink }

// Registry is the read-mostly set of endpoints, built once at startup from
// the pipeline's fan-out sinks. The embedded mutex is the "readiness" lock
// of the system: it guards resolution state and pending-delivery
// registration, independently of the connection manager's live-set lock.
type Registry struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	pending   map[*Endpoint][]func(contentType string)
	logger    *slog.Logger
}

// NewRegistry creates an empty endpoint registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With("component", "endpoint-registry")
	}
	return &Registry{
		pending: make(map[*Endpoint][]func(string)),
		logger:  logger,
	}
}

// Add registers an endpoint for a fan-out sink. Endpoints live for the
// process lifetime; there is no removal.
func (r *Registry) Add(sink Sink) *Endpoint {
	ep := &Endpoint{name: sink.Name(), sink: sink}

	r.mu.Lock()
	r.endpoints = append(r.endpoints, ep)
	r.mu.Unlock()

	r.logger.Info("Registered endpoint", "name", ep.name)
	return ep
}

// FindByName returns the endpoint with the exact given name, or nil
func (r *Registry) FindByName(name string) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ep := range r.endpoints {
		if ep.name == name {
			return ep
		}
	}
	return nil
}

// FindBySink returns the endpoint fronting the given sink instance, or nil.
// Matching is by identity, used when the pipeline reports readiness for a
// specific sink.
func (r *Registry) FindBySink(sink Sink) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ep := range r.endpoints {
		if ep.sink == sink {
			return ep
		}
	}
	return nil
}

// Names returns the names of all registered endpoints
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		names = append(names, ep.name)
	}
	return names
}

// Subscribe reports the endpoint's resolved content type when available.
// When the endpoint is not yet resolved it registers fn for exactly one
// invocation at resolution time. The check and the registration happen under
// the readiness lock, so a resolution cannot slip in between them.
func (r *Registry) Subscribe(ep *Endpoint, fn func(contentType string)) (contentType string, resolved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep.resolved {
		return ep.contentType, true
	}
	r.pending[ep] = append(r.pending[ep], fn)
	return "", false
}

// Resolved reports the endpoint's content type if it has resolved
func (r *Registry) Resolved(ep *Endpoint) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ep.contentType, ep.resolved
}

// MarkResolved sets the endpoint's content type exactly once and fires every
// pending delivery registered through Subscribe. Later calls for the same
// endpoint are no-ops: readiness cannot regress. It returns true on the
// first, effective call.
//
// Deliveries run outside the readiness lock; each one typically writes a
// deferred 200 response to a waiting connection.
func (r *Registry) MarkResolved(ep *Endpoint, contentType string) bool {
	r.mu.Lock()
	if ep.resolved {
		r.mu.Unlock()
		return false
	}
	ep.contentType = contentType
	ep.resolved = true
	waiters := r.pending[ep]
	delete(r.pending, ep)
	r.mu.Unlock()

	r.logger.Info("Resolved content type for endpoint",
		"name", ep.name,
		"content_type", contentType,
		"waiting", len(waiters))

	for _, fn := range waiters {
		fn(contentType)
	}
	return true
}
