// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agent descriptors and the provider config document with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                 TEXT PRIMARY KEY,
			agent_name         TEXT NOT NULL UNIQUE,
			agent_description  TEXT NOT NULL,
			agent_prompt       TEXT NOT NULL,
			mcp_address        TEXT NOT NULL,
			mcp_transport_type TEXT NOT NULL,
			host               TEXT NOT NULL,
			port               INTEGER NOT NULL,
			created_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_port ON agents(port);

		-- One document at a time, stored as key/value rows sharing an id.
		-- Saves delete every row then insert.
		CREATE TABLE IF NOT EXISTS llm_provider_config (
			id         TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (id, key)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ListAgents returns every stored agent descriptor ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, agent_description, agent_prompt, mcp_address, mcp_transport_type, host, port
		FROM agents
		ORDER BY agent_name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentDescriptor
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// GetAgent returns the descriptor with the given name, or ErrNotFound.
func (s *SQLiteStore) GetAgent(ctx context.Context, name string) (*AgentDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, agent_description, agent_prompt, mcp_address, mcp_transport_type, host, port
		FROM agents
		WHERE agent_name = ?
	`, name)

	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// SaveAgent inserts a new descriptor and returns its generated ID.
// Returns ErrDuplicateAgent if the name is already taken.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *AgentDescriptor) (string, error) {
	id := ulid.Make().String()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, agent_name, agent_description, agent_prompt, mcp_address, mcp_transport_type, host, port, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, agent.Name, agent.Description, agent.Prompt, agent.MCPAddress, agent.MCPTransport,
		agent.Host, agent.Port, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrDuplicateAgent
		}
		return "", fmt.Errorf("inserting agent: %w", err)
	}

	agent.ID = id
	s.logger.Debug("saved agent", "name", agent.Name, "id", id, "port", agent.Port)
	return id, nil
}

// DeleteAgentByName removes the named descriptor and returns the number of rows deleted.
func (s *SQLiteStore) DeleteAgentByName(ctx context.Context, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("deleting agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// UpdateAgentPort rewrites the port of the named descriptor and returns the number of rows changed.
func (s *SQLiteStore) UpdateAgentPort(ctx context.Context, name string, port int) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET port = ? WHERE agent_name = ?`, port, name)
	if err != nil {
		return 0, fmt.Errorf("updating agent port: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// SaveProviderConfig replaces the stored provider configuration and returns the new document ID.
func (s *SQLiteStore) SaveProviderConfig(ctx context.Context, cfg ProviderConfig) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM llm_provider_config`); err != nil {
		return "", fmt.Errorf("clearing provider config: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range cfg {
		if k == "id" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO llm_provider_config (id, key, value, created_at) VALUES (?, ?, ?, ?)`,
			id, k, v, now); err != nil {
			return "", fmt.Errorf("inserting provider config key %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing provider config: %w", err)
	}
	return id, nil
}

// GetProviderConfig returns the stored provider configuration, or ErrNotFound if none was saved.
// The document ID is included under the "id" key.
func (s *SQLiteStore) GetProviderConfig(ctx context.Context) (ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key, value FROM llm_provider_config`)
	if err != nil {
		return nil, fmt.Errorf("querying provider config: %w", err)
	}
	defer rows.Close()

	cfg := ProviderConfig{}
	for rows.Next() {
		var id, k, v string
		if err := rows.Scan(&id, &k, &v); err != nil {
			return nil, fmt.Errorf("scanning provider config: %w", err)
		}
		cfg["id"] = id
		cfg[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider config: %w", err)
	}
	if len(cfg) == 0 {
		return nil, ErrNotFound
	}
	return cfg, nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentDescriptor, error) {
	var a AgentDescriptor
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Prompt, &a.MCPAddress, &a.MCPTransport, &a.Host, &a.Port); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	return &a, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
