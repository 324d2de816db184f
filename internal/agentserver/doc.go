// Package agentserver is the HTTP face of one running agent.
//
// POST / accepts a JSON-RPC 2.0 envelope for one of the task methods. Malformed
// or invalid envelopes are answered with 400 and an error envelope; streaming
// methods answer with server-sent events, one data frame per task event.
package agentserver
