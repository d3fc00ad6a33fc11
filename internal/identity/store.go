package identity

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore persists agent records so trust history survives restarts.
// Like the receipt store it is optional; a nil store keeps everything
// in-memory.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[IDENTITY-STORE] ", log.LstdFlags),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			agent_id      TEXT PRIMARY KEY,
			key_hash      BYTEA NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL,
			endorsements  INT NOT NULL DEFAULT 0,
			violations    INT NOT NULL DEFAULT 0,
			successes     BIGINT NOT NULL DEFAULT 0,
			failures      BIGINT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure agents schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Save upserts one agent's durable counters.
func (s *PostgresStore) Save(ctx context.Context, p Profile, keyHash []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, key_hash, registered_at, endorsements, violations, successes, failures)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			endorsements = EXCLUDED.endorsements,
			violations   = EXCLUDED.violations,
			successes    = EXCLUDED.successes,
			failures     = EXCLUDED.failures`,
		p.AgentID, keyHash, p.RegisteredAt, p.Endorsements, p.Violations, p.Successes, p.Failures)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", p.AgentID, err)
	}
	return nil
}

// LoadInto restores persisted agents into a registry. Capability diversity
// is not persisted and rebuilds from live traffic.
func (s *PostgresStore) LoadInto(ctx context.Context, r *Registry) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, key_hash, registered_at, endorsements, violations, successes, failures
		FROM agents`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			id           string
			hash         []byte
			registeredAt time.Time
			endorsements int
			violations   int
			successes    int64
			failures     int64
		)
		if err := rows.Scan(&id, &hash, &registeredAt, &endorsements, &violations, &successes, &failures); err != nil {
			return n, err
		}
		r.restore(&agent{
			id:           id,
			keyHash:      hash,
			registeredAt: registeredAt,
			endorsements: endorsements,
			violations:   violations,
			successes:    successes,
			failures:     failures,
			capsUsed:     make(map[string]struct{}),
		})
		n++
	}
	if n > 0 {
		s.logger.Printf("Restored %d agents", n)
	}
	return n, rows.Err()
}

// KeyHash exposes an agent's stored hash for persistence.
func (r *Registry) KeyHash(agentID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return a.keyHash, true
}

func (r *Registry) restore(a *agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.id]; !exists {
		r.agents[a.id] = a
	}
}
