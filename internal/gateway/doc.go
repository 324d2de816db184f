// Package gateway orchestrates the agent-fleet server components.
//
// # Overview
//
// The gateway is the composition root. It opens the store, builds the port
// allocator, health probe, agent lifecycle manager, fleet admin API and
// status monitor, and runs the servers that expose them.
//
// # Servers
//
//   - HTTP: the fleet admin API (see package fleet) plus GET /health/ready,
//     which answers 503 while the store is unreachable.
//   - gRPC (optional, server.grpc_addr): grpc.health.v1. The overall service
//     "" is SERVING while the gateway runs; each agent is published as
//     "agent/<name>" by the status monitor.
//
// # Agent servers
//
// Each stored agent gets its own task server, built by the lifecycle factory:
// an agent card from the agent's MCP tools, an LLM agent engine, a task
// manager with push delivery, and the JSON-RPC dispatcher on top.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)
//
// Run starts every stored agent and blocks until ctx is canceled, a server
// fails, or POST /shutdown fires. It then stops the admin API, every agent
// server and the store, bounded by agents.shutdown_timeout.
package gateway
