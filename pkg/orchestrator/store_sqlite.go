package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsentry/opsentry/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteRecordStore persists record projections to SQLite. The full
// record rides as a JSON document beside a few indexed columns, the way
// the lite deployment stores everything locally.
type SQLiteRecordStore struct {
	db *sql.DB
}

// NewSQLiteRecordStore creates the store and its table.
func NewSQLiteRecordStore(db *sql.DB) (*SQLiteRecordStore, error) {
	s := &SQLiteRecordStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRecordStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS action_records (
        action_id TEXT PRIMARY KEY,
        action_type TEXT NOT NULL,
        environment TEXT NOT NULL,
        resource TEXT NOT NULL,
        state TEXT NOT NULL,
        risk_level TEXT,
        doc JSON NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteRecordStore) Create(ctx context.Context, record *contracts.ActionRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("record marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_records (action_id, action_type, environment, resource, state, risk_level, doc, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Action.ID, string(record.Action.Type), string(record.Action.Environment),
		record.Action.Resource, string(record.State), string(record.RiskLevel), string(doc),
		record.CreatedAt.UTC().Format(time.RFC3339Nano), record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		// SQLite reports primary key conflicts as constraint errors.
		if existing, gerr := s.Get(ctx, record.Action.ID); gerr == nil && existing != nil {
			return contracts.ErrDuplicateAction
		}
		return fmt.Errorf("record insert: %w", err)
	}
	return nil
}

func (s *SQLiteRecordStore) Save(ctx context.Context, record *contracts.ActionRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("record marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_records (action_id, action_type, environment, resource, state, risk_level, doc, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(action_id) DO UPDATE SET
             state = excluded.state,
             risk_level = excluded.risk_level,
             doc = excluded.doc,
             updated_at = excluded.updated_at`,
		record.Action.ID, string(record.Action.Type), string(record.Action.Environment),
		record.Action.Resource, string(record.State), string(record.RiskLevel), string(doc),
		record.CreatedAt.UTC().Format(time.RFC3339Nano), record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record upsert: %w", err)
	}
	return nil
}

func (s *SQLiteRecordStore) Get(ctx context.Context, actionID string) (*contracts.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM action_records WHERE action_id = ?`, actionID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.ErrRecordNotFound
		}
		return nil, fmt.Errorf("record scan: %w", err)
	}
	var record contracts.ActionRecord
	if err := json.Unmarshal([]byte(doc), &record); err != nil {
		return nil, fmt.Errorf("record decode: %w", err)
	}
	return &record, nil
}

func (s *SQLiteRecordStore) List(ctx context.Context, limit int) ([]*contracts.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM action_records ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("record list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ActionRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var record contracts.ActionRecord
		if err := json.Unmarshal([]byte(doc), &record); err != nil {
			return nil, fmt.Errorf("record decode: %w", err)
		}
		out = append(out, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
