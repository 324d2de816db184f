// ABOUTME: Parsing and validation of task protocol requests into a closed set of calls
// ABOUTME: Envelope and per-method params are checked against JSON schemas before decoding

package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// Method names of the task protocol
const (
	MethodGetTask             = "tasks/get"
	MethodSendTask            = "tasks/send"
	MethodSendTaskSubscribe   = "tasks/sendSubscribe"
	MethodCancelTask          = "tasks/cancel"
	MethodSetPushNotification = "tasks/pushNotification/set"
	MethodGetPushNotification = "tasks/pushNotification/get"
	MethodResubscribe         = "tasks/resubscribe"
)

// Call is a parsed, validated request. The set of implementations is closed;
// dispatchers switch over the concrete types.
type Call interface {
	RequestID() json.RawMessage
	Method() string
	isCall()
}

type envelope struct {
	id     json.RawMessage
	method string
}

func (e envelope) RequestID() json.RawMessage { return e.id }
func (e envelope) Method() string             { return e.method }
func (envelope) isCall()                      {}

// GetTask is a tasks/get call.
type GetTask struct {
	envelope
	Params TaskQueryParams
}

// SendTask is a tasks/send call.
type SendTask struct {
	envelope
	Params TaskSendParams
}

// SendTaskSubscribe is a tasks/sendSubscribe call.
type SendTaskSubscribe struct {
	envelope
	Params TaskSendParams
}

// CancelTask is a tasks/cancel call.
type CancelTask struct {
	envelope
	Params TaskIDParams
}

// SetPushNotification is a tasks/pushNotification/set call.
type SetPushNotification struct {
	envelope
	Params TaskPushNotificationConfig
}

// GetPushNotification is a tasks/pushNotification/get call.
type GetPushNotification struct {
	envelope
	Params TaskIDParams
}

// Resubscribe is a tasks/resubscribe call.
type Resubscribe struct {
	envelope
	Params TaskQueryParams
}

const (
	envelopeSchema = `{
		"type": "object",
		"required": ["jsonrpc", "method"],
		"properties": {
			"jsonrpc": {"const": "2.0"},
			"method": {"type": "string", "minLength": 1},
			"id": {"type": ["string", "integer", "null"]}
		}
	}`

	taskIDSchema = `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"metadata": {"type": "object"}
		}
	}`

	taskQuerySchema = `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"historyLength": {"type": "integer", "minimum": 0},
			"metadata": {"type": "object"}
		}
	}`

	pushConfigSchema = `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "pattern": "^https?://"},
			"token": {"type": "string"},
			"authentication": {
				"type": "object",
				"required": ["schemes"],
				"properties": {"schemes": {"type": "array", "items": {"type": "string"}}}
			}
		}
	}`

	messageSchema = `{
		"type": "object",
		"required": ["role", "parts"],
		"properties": {
			"role": {"enum": ["user", "agent"]},
			"parts": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["type"],
					"properties": {
						"type": {"enum": ["text", "file", "data"]},
						"text": {"type": "string"}
					}
				}
			}
		}
	}`
)

var (
	envelopeValidator  = mustCompile(envelopeSchema)
	taskIDValidator    = mustCompile(taskIDSchema)
	taskQueryValidator = mustCompile(taskQuerySchema)
	taskSendValidator  = mustCompile(`{
		"type": "object",
		"required": ["id", "message"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"sessionId": {"type": "string"},
			"message": ` + messageSchema + `,
			"acceptedOutputModes": {"type": "array", "items": {"type": "string"}},
			"pushNotification": ` + pushConfigSchema + `,
			"historyLength": {"type": "integer", "minimum": 0},
			"metadata": {"type": "object"}
		}
	}`)
	setPushValidator = mustCompile(`{
		"type": "object",
		"required": ["id", "pushNotificationConfig"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"pushNotificationConfig": ` + pushConfigSchema + `
		}
	}`)
)

func mustCompile(schema string) *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(schema))
	if err != nil {
		panic(fmt.Sprintf("compiling schema: %v", err))
	}
	return s
}

func validate(schema *jsonschema.Schema, data any) error {
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

// Parse decodes and validates a request body. On failure it returns the error
// envelope to send back; the id is the request's own when it could be read.
func Parse(body []byte) (Call, *Response) {
	if !json.Valid(body) {
		return nil, NewError(nil, ErrParse())
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, NewError(nil, ErrInvalidRequest("request must be a JSON object"))
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewError(nil, ErrInvalidRequest(err.Error()))
	}

	if err := validate(envelopeValidator, raw); err != nil {
		return nil, NewError(validID(req.ID), ErrInvalidRequest(err.Error()))
	}

	env := envelope{id: req.ID, method: req.Method}

	var (
		call   Call
		schema *jsonschema.Schema
		params any
	)
	switch req.Method {
	case MethodGetTask:
		c := &GetTask{envelope: env}
		call, schema, params = c, taskQueryValidator, &c.Params
	case MethodSendTask:
		c := &SendTask{envelope: env}
		call, schema, params = c, taskSendValidator, &c.Params
	case MethodSendTaskSubscribe:
		c := &SendTaskSubscribe{envelope: env}
		call, schema, params = c, taskSendValidator, &c.Params
	case MethodCancelTask:
		c := &CancelTask{envelope: env}
		call, schema, params = c, taskIDValidator, &c.Params
	case MethodSetPushNotification:
		c := &SetPushNotification{envelope: env}
		call, schema, params = c, setPushValidator, &c.Params
	case MethodGetPushNotification:
		c := &GetPushNotification{envelope: env}
		call, schema, params = c, taskIDValidator, &c.Params
	case MethodResubscribe:
		c := &Resubscribe{envelope: env}
		call, schema, params = c, taskQueryValidator, &c.Params
	default:
		return nil, NewError(req.ID, ErrMethodNotFound(req.Method))
	}

	rawParams, ok := raw["params"]
	if !ok || rawParams == nil {
		return nil, NewError(req.ID, ErrInvalidRequest("params is required"))
	}
	if err := validate(schema, rawParams); err != nil {
		return nil, NewError(req.ID, ErrInvalidRequest(err.Error()))
	}
	if err := json.Unmarshal(req.Params, params); err != nil {
		return nil, NewError(req.ID, ErrInvalidRequest(err.Error()))
	}

	return call, nil
}

// validID returns id if it is a JSON string or number, else null.
func validID(id json.RawMessage) json.RawMessage {
	var v any
	if len(id) == 0 || json.Unmarshal(id, &v) != nil {
		return nil
	}
	switch v.(type) {
	case string, float64:
		return id
	}
	return nil
}
