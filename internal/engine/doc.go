// Package engine is the reasoning collaborator behind every agent.
//
// An Agent runs a tool-calling loop: the query and the conversation so far go
// to the configured chat provider together with the agent's downstream MCP
// tools, requested tool calls are executed over MCP and fed back until the
// model answers. Providers are OpenAI-compatible HTTP clients (OpenAI, Azure
// OpenAI and Google's compatibility endpoint) wrapped in a circuit breaker.
package engine
