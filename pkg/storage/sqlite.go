package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS samples (
	node_id INTEGER NOT NULL,
	ts      INTEGER NOT NULL,
	payload BLOB    NOT NULL,
	PRIMARY KEY (node_id, ts)
);
CREATE INDEX IF NOT EXISTS samples_ts ON samples(ts);
CREATE INDEX IF NOT EXISTS samples_ts_node ON samples(ts, node_id);
CREATE TABLE IF NOT EXISTS actions (
	ts     INTEGER PRIMARY KEY,
	action INTEGER NOT NULL
);
`

// SQLiteStore implements Store interface using SQLite in WAL mode. Each
// SQLiteStore is one connection; readers and the single writer may live in
// different processes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite replay store at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sample operations
func (s *SQLiteStore) PutSample(nodeID, ts int64, payload []byte) error {
	_, err := s.db.Exec(`INSERT INTO samples (node_id, ts, payload) VALUES (?, ?, ?)`, nodeID, ts, payload)
	if isDuplicate(err) {
		return fmt.Errorf("sample (%d, %d): %w", nodeID, ts, ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) GetSample(nodeID, ts int64) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM samples WHERE node_id = ? AND ts = ?`, nodeID, ts).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sample (%d, %d): %w", nodeID, ts, ErrNotFound)
	}
	return payload, err
}

func (s *SQLiteStore) DeleteSample(nodeID, ts int64) error {
	res, err := s.db.Exec(`DELETE FROM samples WHERE node_id = ? AND ts = ?`, nodeID, ts)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sample (%d, %d): %w", nodeID, ts, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) NodeSampleTicks(nodeID, from, to int64) ([]int64, error) {
	rows, err := s.db.Query(`SELECT ts FROM samples WHERE node_id = ? AND ts >= ? AND ts < ? ORDER BY ts`, nodeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		ticks = append(ticks, ts)
	}
	return ticks, rows.Err()
}

func (s *SQLiteStore) SamplesBetween(from, to int64) ([]SampleRow, error) {
	return s.querySamples(`SELECT rowid, node_id, ts, payload, 0 FROM samples
		WHERE ts > ? AND ts <= ? ORDER BY node_id, ts`, from, to)
}

func (s *SQLiteStore) CountAt(ts int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM samples WHERE ts = ?`, ts).Scan(&count)
	return count, err
}

func (s *SQLiteStore) SampleRange() (int64, int64, error) {
	return s.tsRange(`SELECT MIN(ts), MAX(ts) FROM samples`, "samples")
}

func (s *SQLiteStore) SampleCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&count)
	return count, err
}

func (s *SQLiteStore) SamplesSince(seq uint64) ([]SampleRow, error) {
	return s.querySamples(`SELECT s.rowid, s.node_id, s.ts, s.payload, COALESCE(a.action, 0)
		FROM samples s LEFT JOIN actions a ON a.ts = s.ts
		WHERE s.rowid > ? ORDER BY s.ts, s.node_id`, int64(seq))
}

func (s *SQLiteStore) querySamples(query string, args ...interface{}) ([]SampleRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SampleRow
	for rows.Next() {
		var (
			r   SampleRow
			seq int64
		)
		if err := rows.Scan(&seq, &r.NodeID, &r.TS, &r.Payload, &r.Action); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Action operations
func (s *SQLiteStore) PutAction(ts, action int64) error {
	_, err := s.db.Exec(`INSERT INTO actions (ts, action) VALUES (?, ?)`, ts, action)
	if isDuplicate(err) {
		return fmt.Errorf("action at %d: %w", ts, ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) GetAction(ts int64) (int64, error) {
	var action int64
	err := s.db.QueryRow(`SELECT action FROM actions WHERE ts = ?`, ts).Scan(&action)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("action at %d: %w", ts, ErrNotFound)
	}
	return action, err
}

func (s *SQLiteStore) DeleteAction(ts int64) error {
	_, err := s.db.Exec(`DELETE FROM actions WHERE ts = ?`, ts)
	return err
}

func (s *SQLiteStore) ActionRange() (int64, int64, error) {
	return s.tsRange(`SELECT MIN(ts), MAX(ts) FROM actions`, "actions")
}

func (s *SQLiteStore) ActionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM actions`).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ActionsBetween(from, to int64) ([]ActionRow, error) {
	rows, err := s.db.Query(`SELECT ts, action FROM actions WHERE ts >= ? AND ts <= ? ORDER BY ts`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRow
	for rows.Next() {
		var r ActionRow
		if err := rows.Scan(&r.TS, &r.Action); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) tsRange(query, table string) (int64, int64, error) {
	var lo, hi sql.NullInt64
	if err := s.db.QueryRow(query).Scan(&lo, &hi); err != nil {
		return 0, 0, err
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, fmt.Errorf("%s: %w", table, ErrNotFound)
	}
	return lo.Int64, hi.Int64, nil
}

// isDuplicate reports whether err is a primary-key or unique violation.
// Other constraint failures are left to the caller.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
