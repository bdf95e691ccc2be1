package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JSON-RPC 2.0 error codes used by both the client and the host.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

var (
	// ErrClosed is returned by operations on a shut down transport.
	ErrClosed = errors.New("transport closed")

	// ErrNotConnected is returned when Send is called before Connect.
	ErrNotConnected = errors.New("transport not connected")

	// ErrSessionExpired is wrapped by HTTP errors for a 404 on a known session.
	ErrSessionExpired = errors.New("MCP session expired (404)")
)

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError creates an RPC error with optional data.
func NewRPCError(code int, message string, data any) *RPCError {
	err := &RPCError{Code: code, Message: message}
	if data != nil {
		if b, jsonErr := json.Marshal(data); jsonErr == nil {
			err.Data = b
		}
	}
	return err
}

func ErrParseError() *RPCError {
	return NewRPCError(ErrCodeParseError, "Parse error", nil)
}

func ErrInvalidRequest(detail string) *RPCError {
	return NewRPCError(ErrCodeInvalidRequest, "Invalid Request: "+detail, nil)
}

func ErrMethodNotFound(method string) *RPCError {
	return NewRPCError(ErrCodeMethodNotFound, "Method not found: "+method, nil)
}

func ErrInvalidParams(message string) *RPCError {
	return NewRPCError(ErrCodeInvalidParams, message, nil)
}

func ErrInternalError(detail string) *RPCError {
	return NewRPCError(ErrCodeInternalError, "Internal error: "+detail, nil)
}

// HTTPError is returned by the Streamable HTTP stream for non-2xx replies.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.StatusCode == 404 {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("MCP HTTP request failed: %d %s", e.StatusCode, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrSessionExpired && e.StatusCode == 404
}

// UnauthorizedError is returned on HTTP 401 responses. ResourceMetadata is
// the resource_metadata URL from the WWW-Authenticate challenge, if any.
type UnauthorizedError struct {
	ResourceMetadata string
	Scope            string
}

func (e *UnauthorizedError) Error() string {
	return "MCP HTTP request failed: 401 unauthorized"
}

// IsSessionError reports whether err indicates a lost or expired session.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "session") || strings.Contains(msg, "404")
}
