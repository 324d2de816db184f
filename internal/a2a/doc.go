// Package a2a defines the task protocol spoken by every agent server.
//
// # Protocol
//
// Requests are JSON-RPC 2.0 envelopes posted to the agent's root path. The
// method selects one of a closed set of calls:
//
//   - tasks/get, tasks/send, tasks/cancel
//   - tasks/sendSubscribe and tasks/resubscribe (answered as server-sent events)
//   - tasks/pushNotification/set and tasks/pushNotification/get
//
// Parse turns a body into a Call, or into the error envelope to return:
// -32700 for invalid JSON, -32600 with the validation detail for envelopes or
// params that fail their JSON schema, -32601 for unknown methods.
//
// # Errors
//
// Task-level failures use the protocol codes -32001 (task not found) through
// -32005 (incompatible content types). Internal failures are always reported
// as a generic -32603; the cause is only logged.
package a2a
