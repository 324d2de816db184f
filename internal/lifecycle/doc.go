// Package lifecycle owns the registry of running agent servers.
//
// Start claims a free port for an agent (moving it and persisting the new
// port when the configured one is taken), builds its server and begins
// serving in the background. Stop shuts a server down and always removes its
// registry entry. Operations on one agent name are serialized.
package lifecycle
