// Package daemonrpc is the NDJSON RPC client used to talk to the local
// daemon over its Unix socket: one JSON object per line, requests correlated
// to responses by ID, with server-push events interleaved on the same stream.
package daemonrpc

import (
	"encoding/json"
	"fmt"
)

// Well-known method names.
const (
	MethodHealth             = "health"
	MethodShutdown           = "shutdown"
	MethodAuthStatus         = "auth.status"
	MethodSessionList        = "session.list"
	MethodSessionCreate      = "session.create"
	MethodSessionGet         = "session.get"
	MethodSessionDelete      = "session.delete"
	MethodSessionSubscribe   = "session.subscribe"
	MethodSessionUnsubscribe = "session.unsubscribe"
	MethodMessageSend        = "message.send"
	MethodMessageList        = "message.list"
	MethodOutboxStatus       = "outbox.status"
)

// Error codes follow the JSON-RPC convention; daemon-specific codes sit in
// the -32000 range.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeNotAuthenticated = -32001
	CodeNotFound         = -32002
	CodeConflict         = -32003
)

// Request is one RPC call. Params may be nil.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries either a result or an error for the request with the
// matching ID.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the error half of a response.
type ErrorInfo struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RPCError is returned by Call when the daemon answers with an error
// response.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Event is a server-push notification for a subscribed session. Sequence
// numbers order events and let clients detect gaps after a reconnect.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
	Sequence  int64           `json:"sequence"`
}

// Event types pushed by the daemon.
const (
	EventMessage        = "message"
	EventStreamingChunk = "streaming_chunk"
	EventStatusChange   = "status_change"
	EventInitialState   = "initial_state"
	EventPing           = "ping"
	EventSessionCreated = "session_created"
	EventSessionDeleted = "session_deleted"
)
