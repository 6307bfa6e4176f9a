// Package audit persists the orchestrator's history: every mode transition
// and every leak test run, append-only, in a local sqlite database. Records
// are never updated after insert; Prune is the only deletion path.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TransitionRecord is one mode transition, committed or not.
type TransitionRecord struct {
	ID         string            `json:"id"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Outcome    string            `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	Services   map[string]string `json:"services,omitempty"`
}

// LeakRecord is one leak suite run.
type LeakRecord struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Mode      string          `json:"mode"`
	Passed    bool            `json:"passed"`
	Report    json.RawMessage `json:"report,omitempty"`
}

// Store provides persistent storage for orchestrator history.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// NewStore opens (creating if needed) the audit database at dbPath.
func NewStore(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			from_mode TEXT NOT NULL,
			to_mode TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			services TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_started ON transitions(started_at);
		CREATE TABLE IF NOT EXISTS leak_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			mode TEXT NOT NULL,
			passed INTEGER NOT NULL,
			report TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_leak_runs_timestamp ON leak_runs(timestamp);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit tables: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &Store{db: db, retentionDays: retentionDays}, nil
}

// RecordTransition persists a finished transition.
func (s *Store) RecordTransition(rec TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var servicesJSON []byte
	if rec.Services != nil {
		var err error
		servicesJSON, err = json.Marshal(rec.Services)
		if err != nil {
			servicesJSON = []byte("{}")
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO transitions (id, started_at, finished_at, from_mode, to_mode, outcome, error, services)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.StartedAt, rec.FinishedAt, rec.From, rec.To, rec.Outcome, rec.Error, string(servicesJSON))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Transitions returns transitions in [start, end], newest first.
func (s *Store) Transitions(start, end time.Time, limit int) ([]TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, started_at, finished_at, from_mode, to_mode, outcome, error, services
		FROM transitions WHERE started_at >= ? AND started_at <= ? ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var recs []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var errStr, servicesJSON sql.NullString

		err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.From, &rec.To,
			&rec.Outcome, &errStr, &servicesJSON)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}

		if errStr.Valid {
			rec.Error = errStr.String
		}
		if servicesJSON.Valid && servicesJSON.String != "" {
			json.Unmarshal([]byte(servicesJSON.String), &rec.Services)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordLeakRun persists a leak suite result. report is stored verbatim as
// JSON for later inspection.
func (s *Store) RecordLeakRun(timestamp time.Time, mode string, passed bool, report any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reportJSON []byte
	if report != nil {
		var err error
		reportJSON, err = json.Marshal(report)
		if err != nil {
			reportJSON = []byte("{}")
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO leak_runs (timestamp, mode, passed, report) VALUES (?, ?, ?, ?)
	`, timestamp, mode, boolToInt(passed), string(reportJSON))
	if err != nil {
		return fmt.Errorf("insert leak run: %w", err)
	}
	return nil
}

// LeakRuns returns leak suite runs in [start, end], newest first.
func (s *Store) LeakRuns(start, end time.Time, limit int) ([]LeakRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, mode, passed, report
		FROM leak_runs WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query leak runs: %w", err)
	}
	defer rows.Close()

	var recs []LeakRecord
	for rows.Next() {
		var rec LeakRecord
		var passed int
		var reportJSON sql.NullString

		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Mode, &passed, &reportJSON); err != nil {
			return nil, fmt.Errorf("scan leak run: %w", err)
		}
		rec.Passed = passed != 0
		if reportJSON.Valid && reportJSON.String != "" {
			rec.Report = json.RawMessage(reportJSON.String)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// LastLeakRun returns the most recent leak suite run, or nil if none has
// been recorded.
func (s *Store) LastLeakRun() (*LeakRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec LeakRecord
	var passed int
	var reportJSON sql.NullString

	err := s.db.QueryRow(`SELECT id, timestamp, mode, passed, report
		FROM leak_runs ORDER BY timestamp DESC, id DESC LIMIT 1`).
		Scan(&rec.ID, &rec.Timestamp, &rec.Mode, &passed, &reportJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last leak run: %w", err)
	}
	rec.Passed = passed != 0
	if reportJSON.Valid && reportJSON.String != "" {
		rec.Report = json.RawMessage(reportJSON.String)
	}
	return &rec, nil
}

// Prune removes records older than the retention period from both tables.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	var total int64
	res, err := s.db.Exec("DELETE FROM transitions WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.Exec("DELETE FROM leak_runs WHERE timestamp < ?", cutoff)
	if err != nil {
		return total, fmt.Errorf("prune leak runs: %w", err)
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

// Count returns the number of stored transitions and leak runs.
func (s *Store) Count() (transitions, leakRuns int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.db.QueryRow("SELECT COUNT(*) FROM transitions").Scan(&transitions); err != nil {
		return
	}
	err = s.db.QueryRow("SELECT COUNT(*) FROM leak_runs").Scan(&leakRuns)
	return
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
