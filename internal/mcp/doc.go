// Package mcp is the client side of the Model Context Protocol as used by agents.
//
// # Overview
//
// Every agent declares one downstream MCP tool server through an address and a
// transport type. This package dials that server with mark3labs/mcp-go and is
// used in three places:
//
//   - the health probe lists tools to decide between "running" and "mcp error"
//   - the agent card advertises the listed tools as skills
//   - the reasoning engine calls tools while answering a task
//
// # Addressing
//
// The endpoint URL is the declared address with trailing slashes removed and
// "/mcp" appended. Supported transports are "streamable_http" (also accepted
// as "http") and "sse".
//
// # Testing
//
// Callers depend on the Dialer and Session interfaces so tests can substitute
// in-memory fakes.
package mcp
