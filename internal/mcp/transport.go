// Package mcp implements the outbound side of the Model Context Protocol:
// the JSON-RPC envelope, byte streams, the message transport and the client.
package mcp

import (
	"context"
	"encoding/json"
)

// Stream is a byte-level, message-framed connection. Each Send writes one
// JSON-RPC message; each Receive returns one.
type Stream interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// sessionStream is implemented by streams that keep a server-issued session.
type sessionStream interface {
	ResetSession()
}

// versionedStream is implemented by streams that stamp the negotiated
// protocol version on outgoing requests.
type versionedStream interface {
	SetProtocolVersion(v string)
}

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// RequestHandler answers server-initiated requests (sampling, elicitation).
// A returned *RPCError is sent as-is; any other error becomes -32603.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Transport is the message-level connection the Client drives.
type Transport interface {
	// Connect opens the underlying stream and starts dispatching.
	Connect(ctx context.Context) error
	// Send issues a request and waits for the matching response.
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	// SendNotification writes a notification without awaiting anything.
	SendNotification(ctx context.Context, method string, params any) error
	// InitializeSession (re)establishes the transport-level session.
	InitializeSession(ctx context.Context) error
	// Shutdown closes the stream and fails all pending requests.
	Shutdown(ctx context.Context) error
	SetNotificationHandler(h NotificationHandler)
	SetRequestHandler(h RequestHandler)
	IsConnected() bool
}

// ProtocolVersionSetter is implemented by transports that forward the
// negotiated version to their stream.
type ProtocolVersionSetter interface {
	SetProtocolVersion(v string)
}
