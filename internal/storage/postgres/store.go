// Package postgres keeps records in PostgreSQL through database/sql and
// lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/storage"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS mesh_nodes (
	num        BIGINT PRIMARY KEY,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS mesh_messages (
	id         TEXT PRIMARY KEY,
	packet_id  BIGINT NOT NULL,
	sent_at    TIMESTAMPTZ NOT NULL,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS mesh_messages_sent_at ON mesh_messages (sent_at);
`

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	log.Debug().Msg("postgres.Open schema ready")
	return &Store{db: db}, nil
}

func (s *Store) SaveNode(ctx context.Context, n domain.NodeRecord) error {
	rec, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("postgres: encode node %d: %w", n.Num, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mesh_nodes (num, record, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (num) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		int64(n.Num), rec)
	if err != nil {
		return fmt.Errorf("postgres: save node %d: %w", n.Num, err)
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, m domain.MessageRecord) error {
	if m.ID == "" {
		return storage.ErrInvalidRecord
	}
	rec, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: encode message %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mesh_messages (id, packet_id, sent_at, record, updated_at) VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		m.ID, int64(m.PacketID), m.At, rec)
	if err != nil {
		return fmt.Errorf("postgres: save message %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, num uint32) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mesh_nodes WHERE num = $1`, int64(num)); err != nil {
		return fmt.Errorf("postgres: delete node %d: %w", num, err)
	}
	return nil
}

func (s *Store) LoadNodes(ctx context.Context) ([]domain.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM mesh_nodes ORDER BY num`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.NodeRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var n domain.NodeRecord
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("postgres: decode node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) LoadMessages(ctx context.Context, limit int) ([]domain.MessageRecord, error) {
	query := `SELECT record FROM (SELECT record, sent_at, id FROM mesh_messages ORDER BY sent_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	query += `) newest ORDER BY sent_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: load messages: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m domain.MessageRecord
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("postgres: decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
