package multiplex

import (
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// Multiplexer is a yamux session running over a WebSocket's binary frames.
// It exposes exactly the two operations the rest of the system needs:
// opening a new outbound stream, and accepting an inbound one.
type Multiplexer struct {
	session *yamux.Session
}

// NewServer creates a multiplexer in yamux server mode. Used by the edge
// server's per-connection handler, which opens a stream toward the client
// for each proxied request.
func NewServer(ws *websocket.Conn) (*Multiplexer, error) {
	session, err := yamux.Server(NewAdapter(ws), nil)
	if err != nil {
		return nil, err
	}
	return &Multiplexer{session: session}, nil
}

// NewClient creates a multiplexer in yamux client mode. Used by the tunnel
// client runtime, which accepts the streams the server opens.
func NewClient(ws *websocket.Conn) (*Multiplexer, error) {
	session, err := yamux.Client(NewAdapter(ws), nil)
	if err != nil {
		return nil, err
	}
	return &Multiplexer{session: session}, nil
}

// OpenStream opens a new outbound multiplexed stream.
func (m *Multiplexer) OpenStream() (*yamux.Stream, error) {
	return m.session.OpenStream()
}

// AcceptStream blocks until the peer opens a stream, or the session closes.
func (m *Multiplexer) AcceptStream() (*yamux.Stream, error) {
	return m.session.AcceptStream()
}

// Close tears down the session and its underlying transport.
func (m *Multiplexer) Close() error {
	return m.session.Close()
}

// IsClosed reports whether the session has been torn down.
func (m *Multiplexer) IsClosed() bool {
	select {
	case <-m.session.CloseChan():
		return true
	default:
		return false
	}
}
