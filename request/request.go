// Package request implements the incremental HTTP-style request parser used
// by the gateway. Requests arrive over raw TCP in arbitrarily small
// fragments; Extract locates a complete header block in an accumulating
// buffer and Parse decodes the request line and the playback-window
// parameters derived from the path.
package request

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/jmoutte/http-launch/errors"
)

// Supported request methods. Classification is prefix-based: anything on the
// request line that does not start with one of these is a bad request.
const (
	MethodGet  = "GET"
	MethodHead = "HEAD"
)

// DefaultVersion is used when the request line carries no version token
const DefaultVersion = "HTTP/1.0"

// MaxFlashback bounds both the look-back buffer and the path-supplied
// flashback offset. Offsets at or beyond this value are ignored.
const MaxFlashback = 120 * time.Second

// NoTime marks an unset playback-window bound: the client joins at the
// sink's immediate join point.
const NoTime = time.Duration(-1)

// Burst selects how much buffered data a client receives when it joins a
// fan-out sink. Values match the sink's sync-method enumeration.
type Burst int

const (
	// BurstModerate joins at the most recent keyframe
	BurstModerate Burst = 2
	// BurstLarge bursts buffered data starting from a keyframe in the past
	BurstLarge Burst = 4
)

// Playback modes selectable as the second path segment
const (
	modeFlashback = "flashback"
	modeFeedback  = "feedback"
)

// terminator ends an HTTP-style header block with no body
var terminator = []byte("\r\n\r\n")

// Request is one decoded handshake request
type Request struct {
	Method   string
	Target   string // raw path token from the request line
	Version  string // negotiated version, DefaultVersion when absent
	Endpoint string // endpoint name from the path, "" when none present

	// Playback window handed to the fan-out sink
	Burst   Burst
	MinTime time.Duration // NoTime = immediate join point
	MaxTime time.Duration // NoTime = no upper bound
}

// Extract scans buf for the first complete request. It returns the raw
// header block (terminator included) and the number of bytes the caller must
// drain from the front of its buffer. consumed is 0 when no complete request
// is present and more bytes must arrive; buf is never modified.
func Extract(buf []byte) (raw []byte, consumed int) {
	idx := bytes.Index(buf, terminator)
	if idx < 0 {
		return nil, 0
	}
	end := idx + len(terminator)
	return buf[:end], end
}

// Parse decodes one complete request previously located by Extract. A
// request line that starts with neither GET nor HEAD yields
// errors.ErrMethodNotAllowed; every other malformation degrades to a Request
// with an empty Endpoint, which the caller routes as not-found. Parse never
// panics on hostile input.
func Parse(raw []byte) (*Request, error) {
	line := string(raw)
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}

	req := &Request{
		Version: DefaultVersion,
		Burst:   BurstModerate,
		MinTime: NoTime,
		MaxTime: NoTime,
	}

	switch {
	case strings.HasPrefix(line, MethodHead):
		req.Method = MethodHead
	case strings.HasPrefix(line, MethodGet):
		req.Method = MethodGet
	default:
		return nil, errors.ErrMethodNotAllowed
	}

	parts := strings.Split(line, " ")
	if len(parts) > 2 && parts[2] != "" {
		req.Version = parts[2]
	}
	if len(parts) < 2 {
		// Method with no path: no endpoint match is attempted
		return req, nil
	}
	req.Target = parts[1]

	pathParts := strings.Split(parts[1], "/")
	if len(pathParts) > 1 {
		req.Endpoint = pathParts[1]
	}

	// Second segment selects the playback mode
	if len(pathParts) > 2 {
		switch pathParts[2] {
		case modeFlashback:
			req.Burst = BurstLarge
			req.MinTime = 30 * time.Second
		case modeFeedback:
			// forward-only window starting at now, same as the default
		}
	}

	// Third segment overrides the window start offset when valid
	if len(pathParts) > 3 {
		if offset, err := strconv.Atoi(pathParts[3]); err == nil {
			if d := time.Duration(offset) * time.Second; offset > 0 && d < MaxFlashback {
				req.MinTime = d
			}
		}
	}

	return req, nil
}
