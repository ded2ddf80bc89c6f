package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsentry/opsentry/pkg/contracts"

	"github.com/lib/pq"
)

// PostgresRecordStore persists record projections to PostgreSQL for
// multi-node deployments.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore wraps an open connection. The schema is
// managed by migrations outside the process:
//
//	CREATE TABLE action_records (
//	    action_id   TEXT PRIMARY KEY,
//	    action_type TEXT NOT NULL,
//	    environment TEXT NOT NULL,
//	    resource    TEXT NOT NULL,
//	    state       TEXT NOT NULL,
//	    risk_level  TEXT,
//	    doc         JSONB NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (s *PostgresRecordStore) Create(ctx context.Context, record *contracts.ActionRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("record marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_records (action_id, action_type, environment, resource, state, risk_level, doc, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.Action.ID, string(record.Action.Type), string(record.Action.Environment),
		record.Action.Resource, string(record.State), string(record.RiskLevel), doc,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return contracts.ErrDuplicateAction
		}
		return fmt.Errorf("record insert: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Save(ctx context.Context, record *contracts.ActionRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("record marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_records (action_id, action_type, environment, resource, state, risk_level, doc, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
         ON CONFLICT (action_id) DO UPDATE SET
             state = EXCLUDED.state,
             risk_level = EXCLUDED.risk_level,
             doc = EXCLUDED.doc,
             updated_at = EXCLUDED.updated_at`,
		record.Action.ID, string(record.Action.Type), string(record.Action.Environment),
		record.Action.Resource, string(record.State), string(record.RiskLevel), doc,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record upsert: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, actionID string) (*contracts.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM action_records WHERE action_id = $1`, actionID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.ErrRecordNotFound
		}
		return nil, fmt.Errorf("record scan: %w", err)
	}
	var record contracts.ActionRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("record decode: %w", err)
	}
	return &record, nil
}

func (s *PostgresRecordStore) List(ctx context.Context, limit int) ([]*contracts.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM action_records ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("record list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ActionRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var record contracts.ActionRecord
		if err := json.Unmarshal(doc, &record); err != nil {
			return nil, fmt.Errorf("record decode: %w", err)
		}
		out = append(out, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
