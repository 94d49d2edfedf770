// Package httplaunch is a minimal HTTP-style streaming gateway: it accepts
// raw TCP connections, performs a one-request handshake and hands accepted
// sockets to a fan-out sink that delivers a continuous media stream to many
// clients concurrently.
//
// # Architecture
//
// The module is organized as small, independently testable packages:
//
//   - request: incremental request parsing out of arbitrarily fragmented
//     byte reads, including playback-window parameters derived from the path
//   - endpoint: the registry of named stream endpoints and their
//     asynchronously resolved content types
//   - server: per-connection state and the connection manager that drives
//     accept, read, timeout, eviction and removal events
//   - fanout: the multi-client fan-out sink (burst delivery, slow-client
//     recovery and eviction, bounded look-back buffering)
//   - pipeline: a synthetic live media pipeline feeding the fan-out sinks
//   - session: top-level wiring that builds the registry from the pipeline,
//     routes pipeline notifications and runs the listener until termination
//   - errors, metric: shared error classification and Prometheus metrics
//     plumbing
//
// # Protocol
//
// One request per connection:
//
//	<METHOD> <PATH> [<VERSION>]\r\n
//	...ignored header lines...
//	\r\n
//
// METHOD is GET or HEAD. PATH has the form
// /<endpoint>[/<mode>[/<offset-seconds>]], where mode selects the playback
// window: "flashback" joins a bounded distance in the past, "feedback" joins
// at the live position. A successful GET transfers the socket to the
// endpoint's fan-out sink; the gateway performs no further I/O on it.
//
// The 200 response carries the endpoint's content type, which is known only
// after the upstream source produces its first frame; requests that arrive
// earlier are answered as soon as the type resolves.
package httplaunch
