package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/harun/resumable/pkg/chunklog"
)

// ErrMalformedFrame is returned for a data frame with an unparsable id
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Encoder writes SSE frames. Payload newlines fold into one data line per
// segment; the receiver joins them back with "\n".
type Encoder struct {
	w     *bufio.Writer
	flush func()
}

// NewEncoder creates an encoder. If w is an http.Flusher every frame is
// flushed to the client as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: bufio.NewWriter(w)}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

// WriteChunk emits a data frame carrying the chunk's id
func (e *Encoder) WriteChunk(chunk chunklog.Chunk) error {
	e.w.WriteString("id: ")
	e.w.WriteString(strconv.FormatUint(chunk.ID, 10))
	e.w.WriteByte('\n')
	e.writeData(chunk.Text)
	return e.end()
}

// WriteComplete emits the terminal marker
func (e *Encoder) WriteComplete() error {
	e.writeData(CompleteSentinel)
	return e.end()
}

// WriteError emits the terminal error frame
func (e *Encoder) WriteError(reason string) error {
	e.writeData(ErrorPrefix + reason)
	return e.end()
}

// WriteHeartbeat emits a comment line that receivers ignore
func (e *Encoder) WriteHeartbeat() error {
	e.w.WriteString(": ping\n\n")
	return e.flushNow()
}

// WriteRetry sets the reconnection delay hint for browser EventSource clients
func (e *Encoder) WriteRetry(ms int) error {
	fmt.Fprintf(e.w, "retry: %d\n\n", ms)
	return e.flushNow()
}

// lineBreaks folds every SSE line terminator to \n. A bare \r left in a
// data line would end the field early in an EventSource parser.
var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

func (e *Encoder) writeData(payload string) {
	for _, line := range strings.Split(lineBreaks.Replace(payload), "\n") {
		e.w.WriteString("data: ")
		e.w.WriteString(line)
		e.w.WriteByte('\n')
	}
}

func (e *Encoder) end() error {
	e.w.WriteByte('\n')
	return e.flushNow()
}

func (e *Encoder) flushNow() error {
	if err := e.w.Flush(); err != nil {
		return err
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// Decoder reads SSE frames produced by Encoder. Comment lines are skipped
// and so are fields other than id and data.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next frame. It returns io.EOF when the stream ends on a
// frame boundary and io.ErrUnexpectedEOF when it ends mid-frame.
func (d *Decoder) Next() (Frame, error) {
	var (
		id      string
		hasID   bool
		data    []string
		started bool
	)

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if started || line != "" {
					return Frame{}, io.ErrUnexpectedEOF
				}
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if !started {
				continue
			}
			return classify(id, hasID, data)
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			id, hasID, started = value, true, true
		case "data":
			data = append(data, value)
			started = true
		}
	}
}

func classify(id string, hasID bool, data []string) (Frame, error) {
	payload := strings.Join(data, "\n")

	// only frames without an id can be sentinels
	if hasID {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: id %q", ErrMalformedFrame, id)
		}
		return Frame{Kind: KindData, ID: n, Data: payload}, nil
	}

	switch {
	case payload == CompleteSentinel:
		return Frame{Kind: KindComplete}, nil
	case strings.HasPrefix(payload, ErrorPrefix):
		return Frame{Kind: KindError, Err: strings.TrimPrefix(payload, ErrorPrefix)}, nil
	default:
		return Frame{Kind: KindData, Data: payload}, nil
	}
}
