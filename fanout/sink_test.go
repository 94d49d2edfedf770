package fanout

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink(t *testing.T, cfg Config) *Sink {
	t.Helper()
	sink, err := NewSink(SinkDeps{Name: "test", Config: cfg})
	require.NoError(t, err)
	t.Cleanup(sink.Close)
	return sink
}

// collectBytes drains a connection until it closes, delivering everything
// read through the returned channel.
func collectBytes(conn net.Conn) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		var all []byte
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			all = append(all, buf[:n]...)
			if err != nil {
				out <- all
				return
			}
		}
	}()
	return out
}

func frame(pts time.Duration, key bool, data string) Frame {
	return Frame{Data: []byte(data), PTS: pts, Keyframe: key}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.UnitsSoftMax = bad.UnitsMax + time.Second
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.TimeMin = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.QueueLen = 0
	assert.Error(t, bad.Validate())
}

func TestSink_DeliversRenderedFrames(t *testing.T) {
	sink := testSink(t, DefaultConfig())

	server, peer := net.Pipe()
	got := collectBytes(peer)

	require.NoError(t, sink.Add(server, int(SyncLatestKeyframe), -1, -1))
	sink.Render(frame(0, true, "key0"))
	sink.Render(frame(time.Second, false, "d1"))
	sink.Render(frame(2*time.Second, false, "d2"))

	// Give the writer a moment, then cut the stream
	require.Eventually(t, func() bool { return sink.ClientCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	sink.Close()
	_ = server.Close()

	assert.Equal(t, "key0d1d2", string(<-got))
}

func TestSink_JoinAtLatestKeyframe(t *testing.T) {
	sink := testSink(t, DefaultConfig())

	// Buffer history before the client joins
	sink.Render(frame(0, true, "k0"))
	sink.Render(frame(time.Second, false, "a"))
	sink.Render(frame(2*time.Second, true, "k2"))
	sink.Render(frame(3*time.Second, false, "b"))

	server, peer := net.Pipe()
	got := collectBytes(peer)
	require.NoError(t, sink.Add(server, int(SyncLatestKeyframe), -1, -1))

	time.Sleep(50 * time.Millisecond)
	sink.Close()
	_ = server.Close()

	// Burst starts at the latest keyframe, not the whole buffer
	assert.Equal(t, "k2b", string(<-got))
}

func TestSink_JoinFlashbackWindow(t *testing.T) {
	sink := testSink(t, DefaultConfig())

	// Keyframes at 0s, 2s, 4s, 6s, 8s; deltas in between
	for i := 0; i <= 8; i++ {
		pts := time.Duration(i) * time.Second
		sink.Render(frame(pts, i%2 == 0, string(rune('0'+i))))
	}

	server, peer := net.Pipe()
	got := collectBytes(peer)

	// 3s look-back from newest (8s) wants 5s; the latest keyframe at or
	// before that is 4s, guaranteeing at least the requested window.
	require.NoError(t, sink.Add(server, int(SyncBurstKeyframe), 3*time.Second, -1))

	time.Sleep(50 * time.Millisecond)
	sink.Close()
	_ = server.Close()

	assert.Equal(t, "45678", string(<-got))
}

func TestSink_JoinBurstCappedByMaxTime(t *testing.T) {
	sink := testSink(t, DefaultConfig())

	// Keyframes at 0s, 2s, 4s, 6s, 8s; deltas in between
	for i := 0; i <= 8; i++ {
		pts := time.Duration(i) * time.Second
		sink.Render(frame(pts, i%2 == 0, string(rune('0'+i))))
	}

	server, peer := net.Pipe()
	got := collectBytes(peer)

	// The 3s look-back would start at the 4s keyframe, but the 2s hard cap
	// trims the burst to the newest 2s even off keyframe alignment.
	require.NoError(t, sink.Add(server, int(SyncBurstKeyframe), 3*time.Second, 2*time.Second))

	time.Sleep(50 * time.Millisecond)
	sink.Close()
	_ = server.Close()

	assert.Equal(t, "678", string(<-got))
}

func TestSink_SetCapsFiresOnce(t *testing.T) {
	sink := testSink(t, DefaultConfig())

	var mu sync.Mutex
	var resolved []string
	sink.OnCapsResolved(func(ct string) {
		mu.Lock()
		resolved = append(resolved, ct)
		mu.Unlock()
	})

	_, ok := sink.Caps()
	assert.False(t, ok)

	sink.SetCaps("video/x-matroska")
	sink.SetCaps("video/other")

	ct, ok := sink.Caps()
	require.True(t, ok)
	assert.Equal(t, "video/x-matroska", ct)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"video/x-matroska"}, resolved)
}

func TestSink_EvictsOnWriteFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	sink := testSink(t, cfg)

	server, peer := net.Pipe()

	removed := make(chan net.Conn, 1)
	sink.OnClientRemoved(func(conn net.Conn) { removed <- conn })

	require.NoError(t, sink.Add(server, int(SyncLatestKeyframe), -1, -1))

	// Peer never reads: the pipe write blocks until the deadline expires
	sink.Render(frame(0, true, "data"))

	select {
	case conn := <-removed:
		assert.Equal(t, server, conn, "the evicted socket is handed back for disposal")
	case <-time.After(2 * time.Second):
		t.Fatal("client was not evicted after blocked write")
	}
	assert.Equal(t, 0, sink.ClientCount())
	_ = peer.Close()
}

func TestSink_EvictsPeerClose(t *testing.T) {
	sink := testSink(t, DefaultConfig())

	server, peer := net.Pipe()
	removed := make(chan net.Conn, 1)
	sink.OnClientRemoved(func(conn net.Conn) { removed <- conn })

	require.NoError(t, sink.Add(server, int(SyncLatestKeyframe), -1, -1))
	_ = peer.Close()

	sink.Render(frame(0, true, "data"))

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("client was not evicted after peer close")
	}
}

func TestSink_CloseEvictsAllClients(t *testing.T) {
	sink := testSink(t, DefaultConfig())

	var conns []net.Conn
	removed := make(chan net.Conn, 3)
	sink.OnClientRemoved(func(conn net.Conn) { removed <- conn })

	for i := 0; i < 3; i++ {
		server, peer := net.Pipe()
		go func() { _, _ = io.Copy(io.Discard, peer) }()
		conns = append(conns, server)
		require.NoError(t, sink.Add(server, int(SyncLatestKeyframe), -1, -1))
	}
	require.Equal(t, 3, sink.ClientCount())

	sink.Close()

	for range conns {
		select {
		case <-removed:
		case <-time.After(time.Second):
			t.Fatal("missing removal notification on close")
		}
	}
	assert.Equal(t, 0, sink.ClientCount())

	// Add after Close is rejected
	server, _ := net.Pipe()
	assert.Error(t, sink.Add(server, int(SyncLatestKeyframe), -1, -1))
}

func TestSink_PruneKeepsLookbackWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeMin = 4 * time.Second
	sink := testSink(t, cfg)

	for i := 0; i <= 10; i++ {
		sink.Render(frame(time.Duration(i)*time.Second, true, "x"))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.frames)
	assert.GreaterOrEqual(t, sink.frames[0].PTS, 6*time.Second,
		"frames older than the look-back window are dropped")
}
