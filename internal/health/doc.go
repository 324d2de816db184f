// Package health classifies the reachability and downstream health of agents.
//
// Stage one is a short TCP connect to the agent's host and port. Its outcome
// maps onto exactly one State: running, timeout, connection refused, host
// unreachable, network unreachable, "oserror (<errno>)" or error. Stage two
// only runs when stage one reports running: it lists the agent's downstream
// MCP tools and turns the state into "mcp error" when that fails.
//
// Every state has a fixed detail string (see Detail) that the admin API
// returns verbatim. The underlying cause, when there is one, travels
// separately in Status.Error.
package health
