package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsentry/opsentry/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists the transition trail to SQLite. Append-only: the
// table carries no update or delete path.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates the sink and its table.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_trail (
        id TEXT PRIMARY KEY,
        record_id TEXT NOT NULL,
        from_state TEXT NOT NULL,
        to_state TEXT NOT NULL,
        at DATETIME NOT NULL,
        detail JSON,
        content_hash TEXT NOT NULL,
        written_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_trail(record_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) Append(ctx context.Context, recordID string, entry contracts.TransitionEntry) error {
	detailJSON, _ := json.Marshal(entry.Detail)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_trail (id, record_id, from_state, to_state, at, detail, content_hash, written_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), recordID, string(entry.From), string(entry.To),
		entry.At.UTC().Format(time.RFC3339Nano), string(detailJSON), entry.ContentHash,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// Trail returns the persisted entries for one record, oldest first.
func (s *SQLiteSink) Trail(ctx context.Context, recordID string) ([]contracts.TransitionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_state, to_state, at, detail, content_hash
         FROM audit_trail WHERE record_id = ? ORDER BY at ASC, rowid ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.TransitionEntry
	for rows.Next() {
		var (
			from, to, at, hash string
			detailJSON         sql.NullString
		)
		if err := rows.Scan(&from, &to, &at, &detailJSON, &hash); err != nil {
			return nil, err
		}
		entry := contracts.TransitionEntry{
			From:        contracts.State(from),
			To:          contracts.State(to),
			ContentHash: hash,
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			entry.At = t
		}
		if detailJSON.Valid && detailJSON.String != "" {
			_ = json.Unmarshal([]byte(detailJSON.String), &entry.Detail)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
