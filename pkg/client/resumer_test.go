package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harun/resumable/pkg/chunklog"
	"github.com/harun/resumable/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connection is one scripted attach: frames, then err (io.EOF if nil)
type connection struct {
	openErr error
	frames  []protocol.Frame
	err     error
}

type fakeTransport struct {
	mu       sync.Mutex
	conns    []connection
	requests []OpenRequest
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Open(_ context.Context, req OpenRequest) (FrameStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := f.conns[0]
	f.conns = f.conns[1:]
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &fakeStream{conn: c}, nil
}

func (f *fakeTransport) lastEventIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint64, len(f.requests))
	for i, r := range f.requests {
		ids[i] = r.LastEventID
	}
	return ids
}

type fakeStream struct {
	conn connection
	pos  int
}

func (s *fakeStream) Next() (protocol.Frame, error) {
	if s.pos < len(s.conn.frames) {
		f := s.conn.frames[s.pos]
		s.pos++
		return f, nil
	}
	if s.conn.err != nil {
		return protocol.Frame{}, s.conn.err
	}
	return protocol.Frame{}, io.EOF
}

func (s *fakeStream) Close() error { return nil }

func data(id uint64, text string) protocol.Frame {
	return protocol.Frame{Kind: protocol.KindData, ID: id, Data: text}
}

var complete = protocol.Frame{Kind: protocol.KindComplete}

func newTestResumer(t *testing.T, tr Transport, store StateStore, maxRetries int) (*Resumer, *[]State) {
	t.Helper()
	var states []State
	r, err := New(Config{
		Transport:  tr,
		Store:      store,
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
		OnState:    func(s State) { states = append(states, s) },
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return r, &states
}

func TestResumerCompletes(t *testing.T) {
	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(1, "He"), data(2, "llo"), complete}},
	}}
	var chunks []chunklog.Chunk
	r, err := New(Config{
		Transport: tr,
		OnChunk:   func(c chunklog.Chunk) { chunks = append(chunks, c) },
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	rec, err := r.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)

	assert.Equal(t, "Hello", rec.Content)
	assert.Equal(t, uint64(2), rec.LastEventID)
	assert.Equal(t, StateCompleted, rec.Status)
	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, []chunklog.Chunk{{ID: 1, Text: "He"}, {ID: 2, Text: "llo"}}, chunks)
}

func TestResumerStateTransitions(t *testing.T) {
	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(1, "a")}, err: errors.New("reset by peer")},
		{frames: []protocol.Frame{data(2, "b"), complete}},
	}}
	r, states := newTestResumer(t, tr, nil, 3)

	_, err := r.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateConnecting, StateStreaming, StateError,
		StateConnecting, StateStreaming, StateCompleted,
	}, *states)
}

func TestResumerReconnectsWithLastEventID(t *testing.T) {
	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(1, "Hel")}, err: errors.New("network blip")},
		{openErr: errors.New("dial failed")},
		{frames: []protocol.Frame{data(2, "lo "), data(3, "world"), complete}},
	}}
	r, _ := newTestResumer(t, tr, nil, 3)

	rec, err := r.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)

	assert.Equal(t, "Hello world", rec.Content)
	assert.Equal(t, []uint64{0, 1, 1}, tr.lastEventIDs())
}

func TestResumerSkipsDuplicates(t *testing.T) {
	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(1, "a"), data(2, "b")}, err: errors.New("blip")},
		{frames: []protocol.Frame{data(2, "b"), data(3, "c"), complete}},
	}}
	r, _ := newTestResumer(t, tr, nil, 3)

	rec, err := r.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.Content)
}

func TestResumerRetriesExhausted(t *testing.T) {
	tr := &fakeTransport{}
	r, _ := newTestResumer(t, tr, nil, 3)

	rec, err := r.Run(context.Background(), "s1", "hi")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateError, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Len(t, tr.requests, 4, "first attempt plus three retries")
}

func TestResumerNoRetries(t *testing.T) {
	tr := &fakeTransport{}
	r, _ := newTestResumer(t, tr, nil, NoRetries)

	rec, err := r.Run(context.Background(), "s1", "hi")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateError, rec.Status)
	assert.Len(t, tr.requests, 1, "no reconnect after the first failure")
}

func TestResumerZeroRetriesUsesDefault(t *testing.T) {
	tr := &fakeTransport{}
	r, _ := newTestResumer(t, tr, nil, 0)

	_, err := r.Run(context.Background(), "s1", "hi")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Len(t, tr.requests, DefaultMaxRetries+1)
}

func TestResumerRetryCounterResetsOnData(t *testing.T) {
	blip := errors.New("blip")
	tr := &fakeTransport{conns: []connection{
		{openErr: blip},
		{openErr: blip},
		{frames: []protocol.Frame{data(1, "a")}, err: blip},
		{openErr: blip},
		{frames: []protocol.Frame{data(2, "b"), complete}},
	}}
	r, _ := newTestResumer(t, tr, nil, 2)

	rec, err := r.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ab", rec.Content)
}

func TestResumerUpstreamErrorIsTerminal(t *testing.T) {
	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(1, "Par"), {Kind: protocol.KindError, Err: "rate limited"}}},
	}}
	r, _ := newTestResumer(t, tr, nil, 3)

	rec, err := r.Run(context.Background(), "s1", "hi")

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "rate limited", upstreamErr.Message)
	assert.Equal(t, "Par", rec.Content, "partial content stays visible")
	assert.Equal(t, "rate limited", rec.Error)
	assert.Equal(t, StateError, rec.Status)
	assert.Len(t, tr.requests, 1)
}

func TestResumerSessionNotFoundIsTerminal(t *testing.T) {
	tr := &fakeTransport{conns: []connection{
		{openErr: ErrSessionNotFound},
	}}
	r, _ := newTestResumer(t, tr, nil, 3)

	_, err := r.Run(context.Background(), "s1", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, tr.requests, 1)
}

func TestResumerClientErrorIsTerminal(t *testing.T) {
	tr := &fakeTransport{conns: []connection{
		{openErr: &StatusError{Code: 400, Message: "topic required"}},
	}}
	r, _ := newTestResumer(t, tr, nil, 3)

	_, err := r.Run(context.Background(), "s1", "")
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
	assert.Len(t, tr.requests, 1)
}

func TestResumerResumesFromStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), Record{
		SessionID:   "s1",
		Prompt:      "hi",
		LastEventID: 2,
		Content:     "Hel",
		Status:      StateStreaming,
	}))

	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(3, "lo"), complete}},
	}}
	r, _ := newTestResumer(t, tr, store, 3)

	rec, err := r.Run(context.Background(), "s1", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Hello", rec.Content)
	assert.Equal(t, []uint64{2}, tr.lastEventIDs())
	assert.Equal(t, "hi", tr.requests[0].Prompt)

	saved, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, saved.Status)
	assert.Equal(t, "Hello", saved.Content)
}

func TestResumerCompletedRecordSkipsNetwork(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), Record{
		SessionID: "s1", Content: "done", LastEventID: 4, Status: StateCompleted,
	}))

	tr := &fakeTransport{}
	r, _ := newTestResumer(t, tr, store, 3)

	rec, err := r.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "done", rec.Content)
	assert.Empty(t, tr.requests)
}

func TestResumerDetectsRestartedSession(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), Record{
		SessionID: "s1", Prompt: "hi", Content: "stale", LastEventID: 5, Status: StateStreaming,
	}))

	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(1, "fre"), data(2, "sh"), complete}},
	}}
	resets := 0
	r, err := New(Config{
		Transport: tr,
		Store:     store,
		OnReset:   func() { resets++ },
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	rec, err := r.Run(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.Content)
	assert.Equal(t, uint64(2), rec.LastEventID)
	assert.Equal(t, 1, resets)
}

func TestResumerCancellationKeepsProgress(t *testing.T) {
	store := NewMemoryStore()
	tr := &fakeTransport{conns: []connection{
		{frames: []protocol.Frame{data(1, "a")}, err: errors.New("blip")},
	}}
	r, err := New(Config{
		Transport:  tr,
		Store:      store,
		RetryDelay: time.Hour,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = r.Run(ctx, "s1", "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	saved, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), saved.LastEventID)
	assert.Equal(t, "a", saved.Content)
	assert.False(t, saved.Status == StateCompleted)
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("eof")))
	assert.True(t, retryable(&StatusError{Code: 503}))
	assert.False(t, retryable(&StatusError{Code: 409}))
	assert.False(t, retryable(&UpstreamError{Message: "x"}))
	assert.False(t, retryable(ErrSessionNotFound))
}
