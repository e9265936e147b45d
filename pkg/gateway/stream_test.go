package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/resumable/pkg/client"
	"github.com/harun/resumable/pkg/protocol"
	"github.com/harun/resumable/pkg/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamURL(base, path string, params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return base + path + "?" + q.Encode()
}

// openSSE opens a stream and returns once the response headers arrived
func openSSE(t *testing.T, relay *testRelay, params map[string]string, lastEventID string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, streamURL(relay.http.URL, "/ai/stream", params), nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set(protocol.HeaderLastEventID, lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readFrames(t *testing.T, body io.Reader) []protocol.Frame {
	t.Helper()

	dec := protocol.NewDecoder(body)
	var frames []protocol.Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func chunk(id uint64, text string) protocol.Frame {
	return protocol.Frame{Kind: protocol.KindData, ID: id, Data: text}
}

var completeFrame = protocol.Frame{Kind: protocol.KindComplete}

func TestSSEStreamScenarios(t *testing.T) {
	gen := &upstream.ScriptedGenerator{Chunks: []string{"He", "llo"}}
	relay := newTestRelay(t, gen, nil)

	t.Run("full stream", func(t *testing.T) {
		resp := openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "hi"}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
		assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

		frames := readFrames(t, resp.Body)
		assert.Equal(t, []protocol.Frame{chunk(1, "He"), chunk(2, "llo"), completeFrame}, frames)

		status, body := relay.do(t, http.MethodGet, "/sessions/s1/response", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Hello", body["response"])
	})

	t.Run("resume from header", func(t *testing.T) {
		resp := openSSE(t, relay, map[string]string{"sessionId": "s1"}, "1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []protocol.Frame{chunk(2, "llo"), completeFrame}, readFrames(t, resp.Body))
	})

	t.Run("resume from query", func(t *testing.T) {
		resp := openSSE(t, relay, map[string]string{"sessionId": "s1", "lastEventId": "2"}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []protocol.Frame{completeFrame}, readFrames(t, resp.Body))
	})

	t.Run("topic ignored for existing session", func(t *testing.T) {
		resp := openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "something else"}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, readFrames(t, resp.Body), 3)
	})

	assert.Equal(t, 1, gen.Calls())
}

func TestSSEStreamUpstreamFailure(t *testing.T) {
	gen := &upstream.ScriptedGenerator{Chunks: []string{"Par"}, Fail: errors.New("upstream exploded")}
	relay := newTestRelay(t, gen, nil)

	resp := openSSE(t, relay, map[string]string{"sessionId": "s3", "topic": "hi"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 2)
	assert.Equal(t, chunk(1, "Par"), frames[0])
	assert.Equal(t, protocol.KindError, frames[1].Kind)
	assert.Contains(t, frames[1].Err, "upstream exploded")

	status, body := relay.do(t, http.MethodGet, "/sessions/s3/response", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Par", body["response"])
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "upstream exploded")

	// a later viewer sees the same terminal error
	resp = openSSE(t, relay, map[string]string{"sessionId": "s3"}, "1")
	frames = readFrames(t, resp.Body)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.KindError, frames[0].Kind)
}

func TestSSEStreamRecreatedAfterExpiry(t *testing.T) {
	gen := &upstream.ScriptedGenerator{Chunks: []string{"He", "llo"}}
	relay := newTestRelay(t, gen, nil)

	resp := openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "hi"}, "")
	require.Len(t, readFrames(t, resp.Body), 3)

	relay.clock.Advance(2 * time.Hour)

	status, _ := relay.do(t, http.MethodGet, "/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// the stale cursor is discarded for the brand-new session
	resp = openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "hi"}, "2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []protocol.Frame{chunk(1, "He"), chunk(2, "llo"), completeFrame}, readFrames(t, resp.Body))
	assert.Equal(t, 2, gen.Calls())
}

func TestSSEStreamBadRequests(t *testing.T) {
	relay := newTestRelay(t, &upstream.ScriptedGenerator{}, nil)

	tests := []struct {
		name   string
		params map[string]string
		last   string
		status int
	}{
		{"missing id", map[string]string{"topic": "hi"}, "", http.StatusBadRequest},
		{"invalid id", map[string]string{"sessionId": "a/b", "topic": "hi"}, "", http.StatusBadRequest},
		{"unknown without topic", map[string]string{"sessionId": "nope"}, "", http.StatusBadRequest},
		{"bad header cursor", map[string]string{"sessionId": "s1", "topic": "hi"}, "abc", http.StatusBadRequest},
		{"bad query cursor", map[string]string{"sessionId": "s1", "topic": "hi", "lastEventId": "-1"}, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := openSSE(t, relay, tt.params, tt.last)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestSSEStreamSingleProducerForConcurrentViewers(t *testing.T) {
	step := make(chan struct{})
	gen := &upstream.ScriptedGenerator{Chunks: []string{"a", "b", "c"}, Step: step}
	relay := newTestRelay(t, gen, nil)

	const viewers = 4
	responses := make([]*http.Response, viewers)
	for i := range responses {
		responses[i] = openSSE(t, relay, map[string]string{"sessionId": "shared", "topic": "hi"}, "")
		require.Equal(t, http.StatusOK, responses[i].StatusCode)
	}

	status, body := relay.do(t, http.MethodGet, "/admin/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.EqualValues(t, viewers, sessions[0].(map[string]any)["viewers"])

	close(step)

	var wg sync.WaitGroup
	results := make([][]protocol.Frame, viewers)
	for i, resp := range responses {
		wg.Add(1)
		go func(i int, resp *http.Response) {
			defer wg.Done()
			results[i] = readFrames(t, resp.Body)
		}(i, resp)
	}
	wg.Wait()

	want := []protocol.Frame{chunk(1, "a"), chunk(2, "b"), chunk(3, "c"), completeFrame}
	for _, frames := range results {
		assert.Equal(t, want, frames)
	}
	assert.Equal(t, 1, gen.Calls())
}

func TestSSEStreamLimitPerClient(t *testing.T) {
	step := make(chan struct{})
	relay := newTestRelay(t, &upstream.ScriptedGenerator{Chunks: []string{"a"}, Step: step}, func(cfg *Config) {
		cfg.MaxStreamsPerClient = 1
	})

	first := openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "hi"}, "")
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := openSSE(t, relay, map[string]string{"sessionId": "s1"}, "")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	close(step)
	readFrames(t, first.Body)

	require.Eventually(t, func() bool {
		_, streams := relay.server.limiters.get("127.0.0.1").GetStats()
		return streams == 0
	}, 2*time.Second, 10*time.Millisecond)

	third := openSSE(t, relay, map[string]string{"sessionId": "s1"}, "")
	assert.Equal(t, http.StatusOK, third.StatusCode)
}

func TestSSEStreamDeleteEndsTailers(t *testing.T) {
	step := make(chan struct{})
	relay := newTestRelay(t, &upstream.ScriptedGenerator{Chunks: []string{"a", "b"}, Step: step}, nil)

	resp := openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "hi"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	step <- struct{}{}
	sess, err := relay.store.Get("s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sess.Log().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := relay.do(t, http.MethodDelete, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, status)

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 2)
	assert.Equal(t, chunk(1, "a"), frames[0])
	assert.Equal(t, protocol.KindError, frames[1].Kind)
	assert.Contains(t, frames[1].Err, "session closed")
}

func TestSSEClientDisconnectKeepsProducer(t *testing.T) {
	step := make(chan struct{})
	gen := &upstream.ScriptedGenerator{Chunks: []string{"a", "b"}, Step: step}
	relay := newTestRelay(t, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		streamURL(relay.http.URL, "/ai/stream", map[string]string{"sessionId": "s1", "topic": "hi"}), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return len(relay.server.Connections()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	close(step)

	sess, err := relay.store.Get("s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sess.Log().Completed()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ab", sess.Log().FullText())

	resp = openSSE(t, relay, map[string]string{"sessionId": "s1"}, "1")
	assert.Equal(t, []protocol.Frame{chunk(2, "b"), completeFrame}, readFrames(t, resp.Body))
}

func TestSSEStreamHeartbeat(t *testing.T) {
	step := make(chan struct{})
	relay := newTestRelay(t, &upstream.ScriptedGenerator{Chunks: []string{"a"}, Step: step}, func(cfg *Config) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
	})

	resp := openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "hi"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 0, 256)
	tmp := make([]byte, 64)
	for !strings.Contains(string(buf), ": ping") {
		n, err := resp.Body.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:n]...)
	}
	assert.Contains(t, string(buf), "retry: 3000")
	close(step)
}

func wsURL(relay *testRelay, params map[string]string) string {
	return "ws" + strings.TrimPrefix(streamURL(relay.http.URL, "/ws/stream", params), "http")
}

func readWSFrames(t *testing.T, conn *websocket.Conn) []protocol.Frame {
	t.Helper()

	var frames []protocol.Frame
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
			return frames
		}
		f, err := protocol.ParseWSFrame(data)
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestWebSocketStream(t *testing.T) {
	gen := &upstream.ScriptedGenerator{Chunks: []string{"He", "llo"}}
	relay := newTestRelay(t, gen, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(relay, map[string]string{"sessionId": "w1", "topic": "hi"}), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, []protocol.Frame{chunk(1, "He"), chunk(2, "llo"), completeFrame}, readWSFrames(t, conn))

	resumed, _, err := websocket.DefaultDialer.Dial(wsURL(relay, map[string]string{"sessionId": "w1", "lastEventId": "1"}), nil)
	require.NoError(t, err)
	defer resumed.Close()

	assert.Equal(t, []protocol.Frame{chunk(2, "llo"), completeFrame}, readWSFrames(t, resumed))
}

func TestWebSocketStreamRejected(t *testing.T) {
	relay := newTestRelay(t, &upstream.ScriptedGenerator{}, func(cfg *Config) {
		cfg.CORSOrigins = []string{"http://app.example.com"}
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(relay, map[string]string{"sessionId": "nope"}), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(relay, map[string]string{"sessionId": "w1", "topic": "hi"}), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestResumerAgainstRelay(t *testing.T) {
	relay := newTestRelay(t, &upstream.ScriptedGenerator{Chunks: []string{"Hel", "lo ", "world"}}, nil)

	for _, kind := range []string{client.TransportSSE, client.TransportWebSocket} {
		t.Run(kind, func(t *testing.T) {
			tr, err := client.NewTransport(kind, relay.http.URL)
			require.NoError(t, err)

			store := client.NewMemoryStore()
			r, err := client.New(client.Config{Transport: tr, Store: store, Logger: zerolog.Nop()})
			require.NoError(t, err)

			rec, err := r.Run(context.Background(), "c-"+kind, "hi")
			require.NoError(t, err)
			assert.Equal(t, "Hello world", rec.Content)
			assert.Equal(t, uint64(3), rec.LastEventID)
			assert.Equal(t, client.StateCompleted, rec.Status)
		})
	}
}

func TestStopDetachesStreams(t *testing.T) {
	step := make(chan struct{})
	defer close(step)
	relay := newTestRelay(t, &upstream.ScriptedGenerator{Chunks: []string{"a"}, Step: step}, nil)

	resp := openSSE(t, relay, map[string]string{"sessionId": "s1", "topic": "hi"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(relay, map[string]string{"sessionId": "s1"}), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return len(relay.server.Connections()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, relay.server.Stop(ctx))

	assert.Empty(t, readFrames(t, resp.Body))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected: %v", err)

	// producers are untouched by a relay stop
	sess, err := relay.store.Get("s1")
	require.NoError(t, err)
	assert.False(t, sess.Log().Completed())
}
