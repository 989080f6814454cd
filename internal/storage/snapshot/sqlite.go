package snapshot

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps snapshots and logs in a single SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
// ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: every write is serialized and ":memory:" stays a
	// single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			name TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS log_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			line TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_lines_name ON log_lines(name, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(name string, v any) (bool, error) {
	var body string
	err := s.db.Get(&body, `SELECT body FROM snapshots WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
	}
	return true, nil
}

func (s *SQLiteStore) Save(name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}

	query := `INSERT INTO snapshots (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(query, name, string(body), time.Now().UTC()); err != nil {
		return fmt.Errorf("save snapshot %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Append(name string, line []byte) error {
	query := `INSERT INTO log_lines (name, line, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.Exec(query, name, string(line), time.Now().UTC()); err != nil {
		return fmt.Errorf("append log %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Lines(name string, limit int) ([][]byte, error) {
	var rows []string
	var err error
	if limit > 0 {
		err = s.db.Select(&rows, `SELECT line FROM (
			SELECT id, line FROM log_lines WHERE name = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, name, limit)
	} else {
		err = s.db.Select(&rows, `SELECT line FROM log_lines WHERE name = ? ORDER BY id ASC`, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", name, err)
	}

	lines := make([][]byte, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, []byte(row))
	}
	return lines, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
