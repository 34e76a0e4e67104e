package facts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store caches accepted facts per dish.
type Store struct {
	db *sql.DB
}

// NewStore creates a fact store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a fact store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dish_facts (
			id TEXT PRIMARY KEY,
			dish_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			sources TEXT,
			confidence REAL NOT NULL,
			verified INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			served_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(dish_key, text)
		);

		CREATE INDEX IF NOT EXISTS idx_dish_facts_dish ON dish_facts(dish_key);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add caches facts for a dish. Facts already cached for the dish are
// left as they are.
func (s *Store) Add(ctx context.Context, dish string, facts []Fact) error {
	key := DishKey(dish)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, f := range facts {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate fact ID: %w", err)
		}
		sources, err := json.Marshal(f.Sources)
		if err != nil {
			return fmt.Errorf("encode sources: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dish_facts (id, dish_key, kind, text, sources, confidence, verified, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dish_key, text) DO NOTHING
		`, id.String(), key, string(f.Kind), f.Text, string(sources), f.Confidence, f.Verified, now)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

// ForDish returns cached facts for a dish, verified first, then by
// confidence, least served first among equals.
func (s *Store) ForDish(ctx context.Context, dish string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, text, sources, confidence, verified
		FROM dish_facts
		WHERE dish_key = ?
		ORDER BY verified DESC, confidence DESC, served_count ASC
		LIMIT ?
	`, DishKey(dish), limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var kind string
		var sources sql.NullString
		if err := rows.Scan(&kind, &f.Text, &sources, &f.Confidence, &f.Verified); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		f.Kind = Kind(kind)
		if sources.Valid && sources.String != "" {
			_ = json.Unmarshal([]byte(sources.String), &f.Sources)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// MarkServed counts one more showing of a cached fact.
func (s *Store) MarkServed(ctx context.Context, dish, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dish_facts SET served_count = served_count + 1 WHERE dish_key = ? AND text = ?`,
		DishKey(dish), text)
	if err != nil {
		return fmt.Errorf("mark served: %w", err)
	}
	return nil
}

// Stats returns fact cache statistics.
func (s *Store) Stats() map[string]any {
	var total, dishes int
	_ = s.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT dish_key) FROM dish_facts`).Scan(&total, &dishes)

	return map[string]any{
		"total":  total,
		"dishes": dishes,
	}
}
