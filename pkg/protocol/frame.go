package protocol

import (
	"fmt"

	"github.com/harun/resumable/pkg/chunklog"
)

const (
	// CompleteSentinel is the payload of the terminal frame after a clean finish
	CompleteSentinel = "[STREAM-COMPLETE]"

	// ErrorPrefix starts the payload of the terminal error frame
	ErrorPrefix = "[STREAM-ERROR] "

	// HeaderLastEventID is the standard SSE resumption header
	HeaderLastEventID = "Last-Event-ID"

	// QueryLastEventID is the resumption query parameter for clients that
	// cannot set headers
	QueryLastEventID = "lastEventId"
)

// Kind classifies a decoded frame
type Kind int

const (
	KindData Kind = iota
	KindComplete
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Frame is one protocol unit as seen by a receiver
type Frame struct {
	Kind Kind
	// ID is set on data frames only
	ID   uint64
	Data string
	// Err carries the failure message of an error frame
	Err string
}

// Chunk converts a data frame back to the chunk it encodes
func (f Frame) Chunk() chunklog.Chunk {
	return chunklog.Chunk{ID: f.ID, Text: f.Data}
}

// FrameWriter delivers frames to one attached client
type FrameWriter interface {
	WriteChunk(chunk chunklog.Chunk) error
	WriteComplete() error
	WriteError(reason string) error
	WriteHeartbeat() error
}
