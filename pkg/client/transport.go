package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/resumable/pkg/protocol"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"

	streamPath   = "/ai/stream"
	wsStreamPath = "/ws/stream"
)

// OpenRequest identifies the stream to attach to
type OpenRequest struct {
	SessionID   string
	Prompt      string
	LastEventID uint64
}

// FrameStream yields frames from one open connection
type FrameStream interface {
	// Next blocks for the next frame. Any error other than a decoded error
	// frame is a transport failure.
	Next() (protocol.Frame, error)
	Close() error
}

// Transport opens stream connections to the relay
type Transport interface {
	Open(ctx context.Context, req OpenRequest) (FrameStream, error)
	Name() string
}

// NewTransport creates the transport named by kind
func NewTransport(kind, baseURL string) (Transport, error) {
	switch kind {
	case TransportSSE, "":
		return NewSSETransport(baseURL, nil), nil
	case TransportWebSocket:
		return NewWebSocketTransport(baseURL, nil), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", kind)
	}
}

func streamQuery(req OpenRequest) url.Values {
	q := url.Values{}
	q.Set("sessionId", req.SessionID)
	if req.Prompt != "" {
		q.Set("topic", req.Prompt)
	}
	if req.LastEventID > 0 {
		q.Set(protocol.QueryLastEventID, strconv.FormatUint(req.LastEventID, 10))
	}
	return q
}

// statusError reads the relay's JSON error body
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			msg = payload.Error
		} else if payload.Message != "" {
			msg = payload.Message
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// SSETransport reads the relay's event stream over plain HTTP
type SSETransport struct {
	baseURL string
	client  *http.Client
}

// NewSSETransport creates an SSE transport. A nil client uses one without a
// overall timeout, since streams are long lived.
func NewSSETransport(baseURL string, client *http.Client) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *SSETransport) Name() string {
	return TransportSSE
}

func (t *SSETransport) Open(ctx context.Context, req OpenRequest) (FrameStream, error) {
	endpoint := t.baseURL + streamPath + "?" + streamQuery(req).Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if req.LastEventID > 0 {
		httpReq.Header.Set(protocol.HeaderLastEventID, strconv.FormatUint(req.LastEventID, 10))
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return &sseStream{body: resp.Body, dec: protocol.NewDecoder(resp.Body)}, nil
}

type sseStream struct {
	body io.ReadCloser
	dec  *protocol.Decoder
}

func (s *sseStream) Next() (protocol.Frame, error) {
	return s.dec.Next()
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// WebSocketTransport reads JSON frames over a websocket
type WebSocketTransport struct {
	baseURL string
	dialer  *websocket.Dialer
}

// NewWebSocketTransport creates a websocket transport. baseURL may use the
// http or ws schemes.
func NewWebSocketTransport(baseURL string, dialer *websocket.Dialer) *WebSocketTransport {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &WebSocketTransport{baseURL: base, dialer: dialer}
}

func (t *WebSocketTransport) Name() string {
	return TransportWebSocket
}

func (t *WebSocketTransport) Open(ctx context.Context, req OpenRequest) (FrameStream, error) {
	endpoint := t.baseURL + wsStreamPath + "?" + streamQuery(req).Encode()

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return nil, err
	}

	ws := &wsStream{conn: conn, done: make(chan struct{})}
	// unblock a pending read when the caller gives up
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-ws.done:
		}
	}()
	return ws, nil
}

type wsStream struct {
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

func (s *wsStream) Next() (protocol.Frame, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return protocol.Frame{}, io.EOF
		}
		return protocol.Frame{}, err
	}
	return protocol.ParseWSFrame(data)
}

func (s *wsStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}
