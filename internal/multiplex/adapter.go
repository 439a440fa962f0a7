// Package multiplex bridges a WebSocket connection to a byte-oriented
// io.ReadWriteCloser so a yamux session can run its own framing on top of
// it. The control channel's JSON messages and the proxy's multiplexed HTTP
// traffic share one socket: JSON rides text frames handled directly by
// internal/protocol, and yamux rides binary frames handled here.
package multiplex

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// Adapter presents a *websocket.Conn as an io.ReadWriteCloser. Only binary
// frames carry data; any other frame type (text, ping, pong) is read and
// discarded rather than surfaced, since by the time an Adapter is in use the
// control handshake has already consumed the text-frame phase of the
// connection and yamux owns the socket. A normal or going-away close ends
// the stream with io.EOF so yamux sees an orderly connection close; any
// other read or write error is returned wrapped as a transport error.
type Adapter struct {
	ws *websocket.Conn

	// buf holds bytes read from a binary frame that haven't yet been
	// consumed by Read, since a websocket message rarely matches the
	// caller's buffer size exactly.
	buf    bytes.Buffer
	closed bool
}

// NewAdapter wraps ws. The caller must not use ws directly for data frames
// once it is handed to an Adapter.
func NewAdapter(ws *websocket.Conn) *Adapter {
	return &Adapter{ws: ws}
}

// Read implements io.Reader.
func (a *Adapter) Read(p []byte) (int, error) {
	for a.buf.Len() == 0 {
		if a.closed {
			return 0, io.EOF
		}

		messageType, data, err := a.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.closed = true
				return 0, io.EOF
			}
			return 0, wrapErr(err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			a.buf.Write(data)
		case websocket.CloseMessage:
			a.closed = true
			return 0, io.EOF
		default:
			// text, ping, pong: not part of the multiplexed byte stream
			continue
		}
	}

	return a.buf.Read(p)
}

// Write implements io.Writer, sending p as a single binary frame.
func (a *Adapter) Write(p []byte) (int, error) {
	if err := a.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, wrapErr(err)
	}
	return len(p), nil
}

// Close closes the underlying WebSocket connection.
func (a *Adapter) Close() error {
	return a.ws.Close()
}

func wrapErr(err error) error {
	return fmt.Errorf("multiplex transport: %w", err)
}
