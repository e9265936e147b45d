package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/resumable/pkg/chunklog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a FrameWriter that keeps everything it is given
type recorder struct {
	mu         sync.Mutex
	chunks     []chunklog.Chunk
	completed  int
	errors     []string
	heartbeats int
	failAfter  int
	wrote      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{failAfter: -1, wrote: make(chan struct{}, 128)}
}

func (r *recorder) WriteChunk(c chunklog.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter >= 0 && len(r.chunks) >= r.failAfter {
		return errors.New("client gone")
	}
	r.chunks = append(r.chunks, c)
	r.wrote <- struct{}{}
	return nil
}

func (r *recorder) WriteComplete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
	return nil
}

func (r *recorder) WriteError(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, reason)
	return nil
}

func (r *recorder) WriteHeartbeat() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for _, c := range r.chunks {
		out += c.Text
	}
	return out
}

func completedLog(t *testing.T, texts ...string) *chunklog.Log {
	t.Helper()
	l := chunklog.New()
	for _, text := range texts {
		_, err := l.Append(text)
		require.NoError(t, err)
	}
	require.NoError(t, l.MarkCompleted())
	return l
}

func TestPumpReplaysCompletedSession(t *testing.T) {
	l := completedLog(t, "He", "llo")

	t.Run("from the start", func(t *testing.T) {
		rec := newRecorder()
		var phases []Phase
		res, err := Pump(context.Background(), l, 0, rec, PumpOptions{
			OnPhase: func(p Phase) { phases = append(phases, p) },
		})
		require.NoError(t, err)

		assert.Equal(t, []chunklog.Chunk{{ID: 1, Text: "He"}, {ID: 2, Text: "llo"}}, rec.chunks)
		assert.Equal(t, 1, rec.completed)
		assert.Empty(t, rec.errors)
		assert.Equal(t, 2, res.Replayed)
		assert.Equal(t, uint64(2), res.LastEventID)
		assert.Equal(t, chunklog.StatusCompleted, res.Status)
		assert.False(t, res.ReachedTail)
		assert.Equal(t, []Phase{PhaseReplaying, PhaseClosing}, phases)
	})

	t.Run("after the first chunk", func(t *testing.T) {
		rec := newRecorder()
		res, err := Pump(context.Background(), l, 1, rec, PumpOptions{})
		require.NoError(t, err)

		assert.Equal(t, []chunklog.Chunk{{ID: 2, Text: "llo"}}, rec.chunks)
		assert.Equal(t, 1, rec.completed)
		assert.Equal(t, 1, res.Replayed)
	})

	t.Run("ahead of the log", func(t *testing.T) {
		rec := newRecorder()
		_, err := Pump(context.Background(), l, 10, rec, PumpOptions{})
		require.NoError(t, err)
		assert.Empty(t, rec.chunks)
		assert.Equal(t, 1, rec.completed)
	})
}

func TestPumpFailedSession(t *testing.T) {
	l := chunklog.New()
	_, err := l.Append("Par")
	require.NoError(t, err)
	require.NoError(t, l.MarkFailed("upstream failed"))

	rec := newRecorder()
	res, err := Pump(context.Background(), l, 0, rec, PumpOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Par", rec.text())
	assert.Equal(t, []string{"upstream failed"}, rec.errors)
	assert.Equal(t, 0, rec.completed, "no completion marker follows an error frame")
	assert.Equal(t, chunklog.StatusFailed, res.Status)
}

func TestPumpTailsLiveAppends(t *testing.T) {
	l := chunklog.New()
	_, err := l.Append("a")
	require.NoError(t, err)

	rec := newRecorder()
	done := make(chan Result, 1)
	go func() {
		res, err := Pump(context.Background(), l, 0, rec, PumpOptions{})
		assert.NoError(t, err)
		done <- res
	}()

	<-rec.wrote
	for _, text := range []string{"b", "c", "d"} {
		_, err := l.Append(text)
		require.NoError(t, err)
	}
	require.NoError(t, l.MarkCompleted())

	select {
	case res := <-done:
		assert.Equal(t, "abcd", rec.text())
		assert.Equal(t, 1, res.Replayed)
		assert.Equal(t, 3, res.Tailed)
		assert.True(t, res.ReachedTail)
		assert.Equal(t, 1, rec.completed)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not finish")
	}
}

func TestPumpConvergesAcrossReconnects(t *testing.T) {
	l := chunklog.New()
	want := ""

	var last uint64
	var got string
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			text := string(rune('a' + round*3 + i))
			want += text
			_, err := l.Append(text)
			require.NoError(t, err)
		}

		// a client that drops after each burst and comes back with its cursor
		ctx, cancel := context.WithCancel(context.Background())
		rec := newRecorder()
		resCh := make(chan Result, 1)
		go func() {
			res, _ := Pump(ctx, l, last, rec, PumpOptions{})
			resCh <- res
		}()
		for i := 0; i < 3; i++ {
			<-rec.wrote
		}
		cancel()
		res := <-resCh

		got += rec.text()
		last = res.LastEventID
	}
	require.NoError(t, l.MarkCompleted())

	rec := newRecorder()
	_, err := Pump(context.Background(), l, last, rec, PumpOptions{})
	require.NoError(t, err)
	got += rec.text()

	assert.Equal(t, want, got)
	assert.Equal(t, l.FullText(), got)
}

func TestPumpHeartbeat(t *testing.T) {
	l := chunklog.New()
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := Pump(ctx, l, 0, rec, PumpOptions{Heartbeat: 10 * time.Millisecond})
		done <- err
	}()

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.heartbeats >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPumpStopsOnWriteError(t *testing.T) {
	l := completedLog(t, "a", "b", "c")
	rec := newRecorder()
	rec.failAfter = 1

	res, err := Pump(context.Background(), l, 0, rec, PumpOptions{})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), res.LastEventID)
	assert.Equal(t, 0, rec.completed)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "replaying", PhaseReplaying.String())
	assert.Equal(t, "tailing", PhaseTailing.String())
	assert.Equal(t, "closing", PhaseClosing.String())
}
