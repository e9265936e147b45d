package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/resumable/pkg/chunklog"
)

// WebSocket frame types
const (
	WSTypeChunk    = "chunk"
	WSTypeComplete = "complete"
	WSTypeError    = "error"
)

// DefaultWriteWait bounds a single websocket write
const DefaultWriteWait = 10 * time.Second

// WSFrame is the JSON message carried over the websocket transport
type WSFrame struct {
	Type  string `json:"type"`
	ID    uint64 `json:"id,omitempty"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Frame converts the message to a protocol frame
func (f WSFrame) Frame() (Frame, error) {
	switch f.Type {
	case WSTypeChunk:
		return Frame{Kind: KindData, ID: f.ID, Data: f.Data}, nil
	case WSTypeComplete:
		return Frame{Kind: KindComplete}, nil
	case WSTypeError:
		return Frame{Kind: KindError, Err: f.Error}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown websocket frame type %q", ErrMalformedFrame, f.Type)
	}
}

// ParseWSFrame decodes one websocket text message
func ParseWSFrame(data []byte) (Frame, error) {
	var msg WSFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg.Frame()
}

// WSWriter writes frames to a websocket connection. Only one goroutine may
// write through it at a time.
type WSWriter struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

// NewWSWriter wraps conn. A non-positive writeWait uses DefaultWriteWait.
func NewWSWriter(conn *websocket.Conn, writeWait time.Duration) *WSWriter {
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &WSWriter{conn: conn, writeWait: writeWait}
}

func (w *WSWriter) WriteChunk(chunk chunklog.Chunk) error {
	return w.write(WSFrame{Type: WSTypeChunk, ID: chunk.ID, Data: chunk.Text})
}

func (w *WSWriter) WriteComplete() error {
	return w.write(WSFrame{Type: WSTypeComplete})
}

func (w *WSWriter) WriteError(reason string) error {
	return w.write(WSFrame{Type: WSTypeError, Error: reason})
}

// WriteHeartbeat sends a websocket ping control frame
func (w *WSWriter) WriteHeartbeat() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeWait))
}

func (w *WSWriter) write(frame WSFrame) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(frame)
}
