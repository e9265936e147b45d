package chunklog

import (
	"errors"
	"iter"
	"strings"
	"sync"
)

var (
	ErrAppendAfterCompletion = errors.New("chunklog: append after completion")
	ErrAlreadyCompleted      = errors.New("chunklog: already completed")
)

// Status is the lifecycle state of a log
type Status int

const (
	StatusOpen Status = iota
	StatusCompleted
	StatusFailed
)

// String returns the wire name of the status
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "streaming"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further chunks can be appended
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Chunk is one produced text fragment tagged with its event id
type Chunk struct {
	ID   uint64 `json:"id"`
	Text string `json:"text"`
}

// Snapshot is a consistent view of the log taken under a single lock
type Snapshot struct {
	Chunks  []Chunk
	Status  Status
	Failure string
	// Changed is closed on the next append or terminal transition.
	Changed <-chan struct{}
}

// Log is a concurrency-safe append-only chunk log
type Log struct {
	mu      sync.RWMutex
	chunks  []Chunk
	full    strings.Builder
	nextID  uint64
	status  Status
	failure string
	changed chan struct{}
}

// New creates an empty open log
func New() *Log {
	return &Log{
		nextID:  1,
		changed: make(chan struct{}),
	}
}

// Append records text under the next event id and wakes every waiting tailer.
func (l *Log) Append(text string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.Terminal() {
		return 0, ErrAppendAfterCompletion
	}

	id := l.nextID
	l.nextID++
	l.chunks = append(l.chunks, Chunk{ID: id, Text: text})
	l.full.WriteString(text)
	l.notifyLocked()

	return id, nil
}

// MarkCompleted freezes the log after a clean end of generation
func (l *Log) MarkCompleted() error {
	return l.finish(StatusCompleted, "")
}

// MarkFailed freezes the log in the error state; produced chunks are kept.
func (l *Log) MarkFailed(reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	return l.finish(StatusFailed, reason)
}

func (l *Log) finish(status Status, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.Terminal() {
		return ErrAlreadyCompleted
	}

	l.status = status
	l.failure = reason
	l.notifyLocked()

	return nil
}

func (l *Log) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// ReplaySince yields, in order, every chunk with an id greater than lastEventID.
// The sequence reads a fresh snapshot on every iteration, so it can be ranged
// over any number of times.
func (l *Log) ReplaySince(lastEventID uint64) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for _, c := range l.chunksAfter(lastEventID) {
			if !yield(c) {
				return
			}
		}
	}
}

// Since returns the chunks after lastEventID together with the terminal state
// and a channel that closes on the next change. All three are read under the
// same lock, so a tailer that waits on Changed never misses an append.
func (l *Log) Since(lastEventID uint64) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Snapshot{
		Chunks:  l.afterLocked(lastEventID),
		Status:  l.status,
		Failure: l.failure,
		Changed: l.changed,
	}
}

func (l *Log) chunksAfter(lastEventID uint64) []Chunk {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.afterLocked(lastEventID)
}

// afterLocked returns a capped subslice of the backing array. Elements below
// len are never rewritten, so the slice stays valid after the lock is released.
func (l *Log) afterLocked(lastEventID uint64) []Chunk {
	n := uint64(len(l.chunks))
	if lastEventID >= n {
		return nil
	}
	return l.chunks[lastEventID:n:n]
}

// Len returns the number of chunks appended so far
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chunks)
}

// LastEventID returns the id of the newest chunk, or 0 when empty
func (l *Log) LastEventID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID - 1
}

// FullText returns the concatenation of every chunk text
func (l *Log) FullText() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.full.String()
}

// Status returns the current lifecycle state
func (l *Log) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Completed reports whether the log is terminal, cleanly or with an error
func (l *Log) Completed() bool {
	return l.Status().Terminal()
}

// Failure returns the failure reason of a failed log
func (l *Log) Failure() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failure
}
