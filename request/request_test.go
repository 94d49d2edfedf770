package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmoutte/http-launch/errors"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name         string
		buf          string
		wantConsumed int
	}{
		{"empty", "", 0},
		{"incomplete request line", "GET /test HTTP/1.1\r\n", 0},
		{"bare crlf only", "\r\n", 0},
		{"complete minimal", "GET /test\r\n\r\n", 13},
		{"complete with headers", "GET /test HTTP/1.1\r\nHost: x\r\n\r\n", 31},
		{"trailing bytes kept", "GET /a\r\n\r\nGET /b\r\n\r\n", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, consumed := Extract([]byte(tt.buf))
			assert.Equal(t, tt.wantConsumed, consumed)
			if tt.wantConsumed > 0 {
				assert.Equal(t, tt.buf[:tt.wantConsumed], string(raw))
			} else {
				assert.Nil(t, raw)
			}
		})
	}
}

func TestExtract_DoesNotModifyBuffer(t *testing.T) {
	buf := []byte("HEAD /live\r\n\r\nleftover")
	raw, consumed := Extract(buf)

	require.Equal(t, 14, consumed)
	assert.Equal(t, "HEAD /live\r\n\r\n", string(raw))
	assert.Equal(t, "leftover", string(buf[consumed:]))
}

func TestParse_RequestLine(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantMethod   string
		wantVersion  string
		wantEndpoint string
		wantErr      error
	}{
		{
			name:         "get with version",
			raw:          "GET /test HTTP/1.1\r\n\r\n",
			wantMethod:   MethodGet,
			wantVersion:  "HTTP/1.1",
			wantEndpoint: "test",
		},
		{
			name:         "head without version defaults",
			raw:          "HEAD /test\r\n\r\n",
			wantMethod:   MethodHead,
			wantVersion:  DefaultVersion,
			wantEndpoint: "test",
		},
		{
			name:         "empty version token defaults",
			raw:          "GET /test \r\n\r\n",
			wantMethod:   MethodGet,
			wantVersion:  DefaultVersion,
			wantEndpoint: "test",
		},
		{
			name:         "version token used verbatim",
			raw:          "GET /test WHATEVER/9\r\n\r\n",
			wantMethod:   MethodGet,
			wantVersion:  "WHATEVER/9",
			wantEndpoint: "test",
		},
		{
			name:    "post rejected",
			raw:     "POST /test HTTP/1.1\r\n\r\n",
			wantErr: errors.ErrMethodNotAllowed,
		},
		{
			name:    "garbage rejected",
			raw:     "\x00\x01\x02\r\n\r\n",
			wantErr: errors.ErrMethodNotAllowed,
		},
		{
			name:    "leading blank line rejected",
			raw:     "\r\nGET /test HTTP/1.1\r\n\r\n",
			wantErr: errors.ErrMethodNotAllowed,
		},
		{
			name:         "method only, no path",
			raw:          "GET\r\n\r\n",
			wantMethod:   MethodGet,
			wantVersion:  DefaultVersion,
			wantEndpoint: "",
		},
		{
			name:         "path without leading slash",
			raw:          "GET test HTTP/1.1\r\n\r\n",
			wantMethod:   MethodGet,
			wantVersion:  "HTTP/1.1",
			wantEndpoint: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse([]byte(tt.raw))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, req.Method)
			assert.Equal(t, tt.wantVersion, req.Version)
			assert.Equal(t, tt.wantEndpoint, req.Endpoint)
		})
	}
}

func TestParse_PlaybackWindow(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantBurst Burst
		wantMin   time.Duration
	}{
		{
			name:      "default mode",
			raw:       "GET /test HTTP/1.1\r\n\r\n",
			wantBurst: BurstModerate,
			wantMin:   NoTime,
		},
		{
			name:      "feedback mode",
			raw:       "GET /test/feedback HTTP/1.1\r\n\r\n",
			wantBurst: BurstModerate,
			wantMin:   NoTime,
		},
		{
			name:      "flashback default offset",
			raw:       "GET /test/flashback HTTP/1.1\r\n\r\n",
			wantBurst: BurstLarge,
			wantMin:   30 * time.Second,
		},
		{
			name:      "flashback with offset override",
			raw:       "GET /test/flashback/45 HTTP/1.1\r\n\r\n",
			wantBurst: BurstLarge,
			wantMin:   45 * time.Second,
		},
		{
			name:      "unknown mode keeps defaults",
			raw:       "GET /test/other HTTP/1.1\r\n\r\n",
			wantBurst: BurstModerate,
			wantMin:   NoTime,
		},
		{
			name:      "offset of zero ignored",
			raw:       "GET /test/flashback/0 HTTP/1.1\r\n\r\n",
			wantBurst: BurstLarge,
			wantMin:   30 * time.Second,
		},
		{
			name:      "negative offset ignored",
			raw:       "GET /test/flashback/-5 HTTP/1.1\r\n\r\n",
			wantBurst: BurstLarge,
			wantMin:   30 * time.Second,
		},
		{
			name:      "offset at look-back bound ignored",
			raw:       "GET /test/flashback/120 HTTP/1.1\r\n\r\n",
			wantBurst: BurstLarge,
			wantMin:   30 * time.Second,
		},
		{
			name:      "offset just below bound accepted",
			raw:       "GET /test/flashback/119 HTTP/1.1\r\n\r\n",
			wantBurst: BurstLarge,
			wantMin:   119 * time.Second,
		},
		{
			name:      "non-numeric offset ignored",
			raw:       "GET /test/flashback/soon HTTP/1.1\r\n\r\n",
			wantBurst: BurstLarge,
			wantMin:   30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, "test", req.Endpoint)
			assert.Equal(t, tt.wantBurst, req.Burst)
			assert.Equal(t, tt.wantMin, req.MinTime)
			assert.Equal(t, NoTime, req.MaxTime)
		})
	}
}

func TestParse_HeadersIgnored(t *testing.T) {
	req, err := Parse([]byte("GET /live HTTP/1.1\r\nHost: example\r\nAccept: */*\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "live", req.Endpoint)
	assert.Equal(t, "HTTP/1.1", req.Version)
}
