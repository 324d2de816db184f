// Package config handles configuration loading for agent-fleet.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Zero-valued fields receive defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENT_FLEET_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agent-fleet/config.yaml
//  3. ~/.config/agent-fleet/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${AGENT_FLEET_DB}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:9500"   # admin API
//	  grpc_addr: "0.0.0.0:50051"  # optional gRPC health service
//
// Agents:
//
//	agents:
//	  host: "localhost"
//	  base_port: 10000
//	  max_port: 65535
//	  max_start_retries: 5
//	  retry_delay: "1s"
//	  probe_timeout: "500ms"
//	  status_sweep: "@every 30s"
//	  shutdown_delay: "1s"
//	  shutdown_timeout: "5s"
//	  rate_limit: 0               # RPC requests/sec per agent, 0 disables
//
// Engine:
//
//	engine:
//	  max_tool_rounds: 5
//	  breaker_failures: 5
//	  breaker_timeout: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Tracing:
//
//	tracing:
//	  enabled: false
//	  exporter: "stdout"  # stdout, noop
//
// # Shared config
//
// shared_config names a JSON file (comments allowed) shared with the web
// frontend. Its ENGINE_PORT overrides the port of server.http_addr.
//
// # Provider resolution
//
// ResolveProvider is the only place that decides the reasoning provider.
// A stored provider document wins over the environment, and the environment
// wins over the default (azure).
package config
