package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Disconnect reasons reported to close callbacks.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// Transport is one established socket connection carrying JSON text frames.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Pinger is implemented by transports that support liveness pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens transports. The token travels in the handshake.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, rawURL, token string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, rawURL, token string) (Transport, error) {
	return f(ctx, rawURL, token)
}

// DisconnectError carries the reason a transport stopped delivering frames.
type DisconnectError struct {
	Reason string
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// disconnectReason maps a read error to a disconnect reason.
func disconnectReason(err error) string {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Reason
	}
	if errors.Is(err, io.EOF) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WebSocketDialer dials the chat socket endpoint over WebSocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

// SocketURL derives the socket endpoint from an HTTP base URL.
func SocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// Dial opens a WebSocket with the token both as bearer header and as query parameter.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL, token string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	conn, resp, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket dial: %w", &APIError{Status: resp.StatusCode, Detail: "socket handshake rejected"})
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, &DisconnectError{Reason: wsReason(err), Err: err}
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

func wsReason(err error) string {
	switch websocket.CloseStatus(err) {
	case -1:
		if errors.Is(err, io.EOF) {
			return ReasonTransportClose
		}
		return ReasonTransportError
	case websocket.StatusNormalClosure:
		return ReasonServerDisconnect
	default:
		return ReasonTransportClose
	}
}
