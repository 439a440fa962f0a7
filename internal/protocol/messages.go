// Package protocol defines the control-channel message schema exchanged
// between the tunnel client and the tunnel server, and the WebSocket
// transport used to send and receive them.
package protocol

// Message types for the control protocol. Each message carries its own
// type tag so the reader can discriminate without a side channel.
const (
	TypeRegister          = "register"
	TypePing              = "ping"
	TypeDisconnect        = "disconnect"
	TypeRegistered        = "registered"
	TypeError             = "error"
	TypePong              = "pong"
	TypeCertificateStatus = "certificate_status"
	TypeShutdown          = "shutdown"
)

// ErrorCode enumerates the reasons a registration attempt can be refused.
type ErrorCode string

const (
	ErrorInvalidToken       ErrorCode = "invalid_token"
	ErrorSubdomainTaken     ErrorCode = "subdomain_taken"
	ErrorSubdomainInvalid   ErrorCode = "subdomain_invalid"
	ErrorTunnelLimitReached ErrorCode = "tunnel_limit_reached"
	ErrorInternal           ErrorCode = "internal_error"
)

// RegisterMessage is sent by the client to request a tunnel.
type RegisterMessage struct {
	Type      string `json:"type"` // always "register"
	Token     string `json:"token"`
	Subdomain string `json:"subdomain"`
}

// PingMessage is a keepalive sent by either side.
type PingMessage struct {
	Type string `json:"type"` // always "ping"
}

// DisconnectMessage announces an intentional client shutdown.
type DisconnectMessage struct {
	Type string `json:"type"` // always "disconnect"
}

// RegisteredMessage confirms a tunnel registration and carries its public URL.
type RegisteredMessage struct {
	Type      string `json:"type"` // always "registered"
	Subdomain string `json:"subdomain"`
	URL       string `json:"url"`
}

// ErrorMessage reports a registration failure.
type ErrorMessage struct {
	Type    string    `json:"type"` // always "error"
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// PongMessage answers a Ping.
type PongMessage struct {
	Type string `json:"type"` // always "pong"
}

// CertificateStatusMessage reports on-demand certificate issuance progress.
type CertificateStatusMessage struct {
	Type  string `json:"type"` // always "certificate_status"
	Ready bool   `json:"ready"`
}

// ShutdownMessage announces a server-initiated disconnect.
type ShutdownMessage struct {
	Type    string `json:"type"` // always "shutdown"
	Message string `json:"message"`
}

// NewRegisterMessage creates a register message.
func NewRegisterMessage(token, subdomain string) *RegisterMessage {
	return &RegisterMessage{Type: TypeRegister, Token: token, Subdomain: subdomain}
}

// NewPingMessage creates a ping message.
func NewPingMessage() *PingMessage {
	return &PingMessage{Type: TypePing}
}

// NewDisconnectMessage creates a disconnect message.
func NewDisconnectMessage() *DisconnectMessage {
	return &DisconnectMessage{Type: TypeDisconnect}
}

// NewRegisteredMessage creates a registered message.
func NewRegisteredMessage(subdomain, url string) *RegisteredMessage {
	return &RegisteredMessage{Type: TypeRegistered, Subdomain: subdomain, URL: url}
}

// NewErrorMessage creates an error message.
func NewErrorMessage(code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// NewPongMessage creates a pong message.
func NewPongMessage() *PongMessage {
	return &PongMessage{Type: TypePong}
}

// NewCertificateStatusMessage creates a certificate status message.
func NewCertificateStatusMessage(ready bool) *CertificateStatusMessage {
	return &CertificateStatusMessage{Type: TypeCertificateStatus, Ready: ready}
}

// NewShutdownMessage creates a shutdown message.
func NewShutdownMessage(message string) *ShutdownMessage {
	return &ShutdownMessage{Type: TypeShutdown, Message: message}
}
