package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	_ "github.com/lib/pq" // Postgres driver
)

// Store persists receipts for long-term replay. The gateway runs fine with
// a nil store; only durability is lost.
type Store interface {
	Save(ctx context.Context, r *Receipt) error
	Load(ctx context.Context, receiptID string) (*Receipt, error)
	LoadByAgent(ctx context.Context, agentID string, limit int) ([]*Receipt, error)
}

// PostgresStore persists receipts in a single table keyed by receipt id,
// with the full canonical record as JSONB.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore connects and ensures the schema exists.
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
		logger: log.New(log.Writer(), "[RECEIPT-STORE] ", log.LstdFlags),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Printf("Receipt store ready")
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS receipts (
			receipt_id    TEXT PRIMARY KEY,
			capability_id TEXT NOT NULL,
			agent_id      TEXT,
			success       BOOLEAN NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			record        JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS receipts_agent_idx ON receipts (agent_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure receipts schema: %w", err)
	}
	return nil
}

// Close shuts the connection pool down.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Save(ctx context.Context, r *Receipt) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt %s: %w", r.ReceiptID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (receipt_id, capability_id, agent_id, success, created_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (receipt_id) DO NOTHING`,
		r.ReceiptID, r.CapabilityID, r.AgentID, r.Success, r.Timestamp, record)
	if err != nil {
		return fmt.Errorf("save receipt %s: %w", r.ReceiptID, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, receiptID string) (*Receipt, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM receipts WHERE receipt_id = $1`, receiptID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("receipt %s not found", receiptID)
	}
	if err != nil {
		return nil, err
	}

	var r Receipt
	if err := json.Unmarshal(record, &r); err != nil {
		return nil, fmt.Errorf("parse stored receipt %s: %w", receiptID, err)
	}
	return &r, nil
}

func (s *PostgresStore) LoadByAgent(ctx context.Context, agentID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM receipts
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var r Receipt
		if err := json.Unmarshal(record, &r); err != nil {
			s.logger.Printf("Skipping corrupt stored receipt: %v", err)
			continue
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
