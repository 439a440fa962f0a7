package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a WebSocket connection and encodes/decodes control messages as
// JSON text frames. One JSON document travels per frame; the yamux-
// multiplexed proxy traffic rides the same socket as binary frames and never
// passes through Conn (see internal/multiplex.Adapter).
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps an established WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Underlying returns the wrapped websocket connection, for callers that need
// to hand the raw socket to internal/multiplex once the control handshake is
// done.
func (c *Conn) Underlying() *websocket.Conn {
	return c.ws
}

func (c *Conn) send(v any) error {
	return c.ws.WriteJSON(v)
}

// SendRegister sends a register message.
func (c *Conn) SendRegister(token, subdomain string) error {
	return c.send(NewRegisterMessage(token, subdomain))
}

// SendPing sends a ping message.
func (c *Conn) SendPing() error {
	return c.send(NewPingMessage())
}

// SendDisconnect sends a disconnect message.
func (c *Conn) SendDisconnect() error {
	return c.send(NewDisconnectMessage())
}

// SendRegistered sends a registered message.
func (c *Conn) SendRegistered(subdomain, url string) error {
	return c.send(NewRegisteredMessage(subdomain, url))
}

// SendError sends an error message.
func (c *Conn) SendError(code ErrorCode, message string) error {
	return c.send(NewErrorMessage(code, message))
}

// SendPong sends a pong message.
func (c *Conn) SendPong() error {
	return c.send(NewPongMessage())
}

// SendCertificateStatus sends a certificate status message.
func (c *Conn) SendCertificateStatus(ready bool) error {
	return c.send(NewCertificateStatusMessage(ready))
}

// SendShutdown sends a shutdown message.
func (c *Conn) SendShutdown(message string) error {
	return c.send(NewShutdownMessage(message))
}

// messageEnvelope is used to peek at the type tag before deciding which
// concrete struct to unmarshal the message into.
type messageEnvelope struct {
	Type string `json:"type"`
}

// ReadMessage reads the next control message and returns it as one of the
// concrete *Message types defined in this package.
func (c *Conn) ReadMessage() (any, error) {
	var raw json.RawMessage
	if err := c.ws.ReadJSON(&raw); err != nil {
		return nil, err
	}

	var env messageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	switch env.Type {
	case TypeRegister:
		var m RegisterMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypePing:
		var m PingMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeDisconnect:
		var m DisconnectMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeRegistered:
		var m RegisteredMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypePong:
		var m PongMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeCertificateStatus:
		var m CertificateStatusMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeShutdown:
		var m ShutdownMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
