package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTimeout is returned when no response arrives within the request budget.
var ErrTimeout = errors.New("jsonrpc: request timed out")

// ErrChannelClosed is returned when the peer's stdio channel is gone: the
// subprocess exited or the client was closed. Restart is the adapter's
// responsibility.
var ErrChannelClosed = errors.New("jsonrpc: channel closed")

// RPCError is a structured JSON-RPC 2.0 error object. Handlers registered
// with OnRequest may return one to control the wire-level code.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc: rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes used for inbound request handling.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)
