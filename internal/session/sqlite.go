package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersister stores session snapshots as JSON, one row per
// session.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister opens (or creates) the session database at dbPath.
func NewSQLitePersister(dbPath string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	p, err := NewSQLitePersisterWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLitePersisterWithDB uses an already open database.
func NewSQLitePersisterWithDB(db *sql.DB) (*SQLitePersister, error) {
	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return p, nil
}

// Close closes the database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func (p *SQLitePersister) migrate() error {
	_, err := p.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id     TEXT PRIMARY KEY,
		data           TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		last_active_ns INTEGER NOT NULL DEFAULT 0
	);
	`)
	if err != nil {
		return err
	}

	// Databases created before last_active_ns existed. Rows without it
	// read as 0 and are always eligible for deletion.
	if _, err := p.db.Exec(`ALTER TABLE sessions ADD COLUMN last_active_ns INTEGER NOT NULL DEFAULT 0`); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("migrate last_active_ns: %w", err)
		}
	}
	return nil
}

// Save upserts the snapshot.
func (p *SQLitePersister) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, data, updated_at, last_active_ns)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			last_active_ns = excluded.last_active_ns`,
		s.ID, string(data), time.Now().UTC().Format(time.RFC3339), s.LastActiveAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// Delete removes a session whose last saved activity is at or before
// idleSince. A newer row is left alone. Deleting an unknown session is
// not an error.
func (p *SQLitePersister) Delete(ctx context.Context, id string, idleSince time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ? AND last_active_ns <= ?`,
		id, idleSince.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every stored session.
func (p *SQLitePersister) LoadAll(ctx context.Context) ([]Session, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT session_id, data FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var s Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
