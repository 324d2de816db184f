// Package fleet serves the admin API for the agent fleet.
//
// The Controller lists stored agents with a live health status, creates agents
// on freshly allocated ports, deletes and refreshes them, stores the LLM
// provider configuration and handles shutdown requests. The Monitor re-probes
// the fleet on a cron schedule and publishes each agent's serving state.
package fleet
