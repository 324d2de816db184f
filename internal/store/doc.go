// Package store provides persistent storage for the control plane using SQLite.
//
// # Architecture
//
// The Store interface is the storage collaborator for every other package:
//
//   - Agents: descriptors of agent task servers, unique by name
//   - Provider configuration: a single key/value document, overwritten on save
//
// # Implementations
//
//   - SQLiteStore: the production implementation backed by modernc.org/sqlite
//     (pure Go, no cgo). WAL mode is enabled and the schema is created on open.
//   - MockStore: an in-memory implementation for tests.
//
// # Identifiers
//
// Descriptor and provider document IDs are ULIDs, so they sort by creation time.
//
// # Ports
//
// The port column is authoritative for which ports are claimed by the fleet.
// The port allocator reads it on every allocation and the lifecycle manager
// rewrites it through UpdateAgentPort when a start retry moves an agent.
package store
