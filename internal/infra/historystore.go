package infra

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/smprather/kicker/internal/domain"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
)

// Ensure sqlcipher's sqlite3 driver is registered.
var _ = sqlcipher.ErrBusy

// SQLiteHistoryStore implements domain.HistoryStore, recording every check
// and action execution so the (out-of-scope) stats CLI can answer
// questions the flat log files are not indexed for, such as a rule's
// trailing 24-hour action count. It is opened with an empty SQLCipher key,
// which degrades to plain SQLite - execution history carries no secrets,
// so encryption has no role here.
type SQLiteHistoryStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteHistoryStore opens (or creates) the execution-history database
// at paths.HistoryDBFile().
func NewSQLiteHistoryStore(paths *PathSet) (*SQLiteHistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(paths.HistoryDBFile()), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", paths.HistoryDBFile())
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	store := &SQLiteHistoryStore{db: db, dbPath: paths.HistoryDBFile()}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteHistoryStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL,
		phase TEXT NOT NULL,
		script_name TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		timed_out INTEGER NOT NULL,
		executed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_rule_phase_time
		ON executions (rule_id, phase, executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordExecution inserts one execution row.
func (s *SQLiteHistoryStore) RecordExecution(ctx context.Context, rec domain.LogRecord) error {
	timedOut := 0
	if rec.TimedOut {
		timedOut = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (rule_id, phase, script_name, exit_code, duration_ms, timed_out, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RuleID, string(rec.Phase), rec.ScriptName, rec.ExitCode, rec.DurationMs, timedOut, rec.Timestamp.Unix(),
	)
	return err
}

// ActionsSince counts action-phase rows for a rule at or after cutoff.
func (s *SQLiteHistoryStore) ActionsSince(ctx context.Context, ruleID int, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE rule_id = ? AND phase = ? AND executed_at >= ?`,
		ruleID, string(domain.PhaseAction), cutoff.Unix(),
	).Scan(&count)
	return count, err
}

// Close releases the underlying database handle.
func (s *SQLiteHistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure SQLiteHistoryStore implements domain.HistoryStore.
var _ domain.HistoryStore = (*SQLiteHistoryStore)(nil)
