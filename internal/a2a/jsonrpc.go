// ABOUTME: JSON-RPC 2.0 envelope and the task protocol's error codes
// ABOUTME: Every dispatcher exit path is one of these envelopes

package a2a

import (
	"encoding/json"
	"fmt"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response. ID is always present, null when unknown.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Task protocol error codes
const (
	CodeTaskNotFound                 = -32001
	CodeTaskNotCancelable            = -32002
	CodePushNotificationNotSupported = -32003
	CodeUnsupportedOperation         = -32004
	CodeContentTypeNotSupported      = -32005
)

// ErrParse is returned for a body that is not valid JSON.
func ErrParse() *Error {
	return &Error{Code: CodeParseError, Message: "Invalid JSON payload"}
}

// ErrInvalidRequest is returned for an envelope or params that fail validation.
func ErrInvalidRequest(data any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Request payload validation error", Data: data}
}

// ErrMethodNotFound is returned for an unrecognized method.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: method}
}

// ErrInvalidParams is returned when params are well-formed but unusable.
func ErrInvalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// ErrInternal is the generic failure reported to callers; details stay in the server log.
func ErrInternal() *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error"}
}

// ErrTaskNotFound is returned when a task id is unknown.
func ErrTaskNotFound() *Error {
	return &Error{Code: CodeTaskNotFound, Message: "Task not found"}
}

// ErrTaskNotCancelable is returned when canceling a task in a terminal state.
func ErrTaskNotCancelable() *Error {
	return &Error{Code: CodeTaskNotCancelable, Message: "Task cannot be canceled"}
}

// ErrPushNotificationNotSupported is returned when push notifications are unavailable.
func ErrPushNotificationNotSupported() *Error {
	return &Error{Code: CodePushNotificationNotSupported, Message: "Push Notification is not supported"}
}

// ErrUnsupportedOperation is returned for operations the agent does not implement.
func ErrUnsupportedOperation() *Error {
	return &Error{Code: CodeUnsupportedOperation, Message: "This operation is not supported"}
}

// ErrContentTypeNotSupported is returned when accepted output modes do not overlap.
func ErrContentTypeNotSupported() *Error {
	return &Error{Code: CodeContentTypeNotSupported, Message: "Incompatible content types"}
}

// NullID is the id used when the request id could not be determined.
var NullID = json.RawMessage("null")

// NewResult builds a success envelope.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

// NewError builds an error envelope.
func NewError(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Error: err}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}
