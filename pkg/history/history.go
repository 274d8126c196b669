// Package history persists finished command runs to SQLite so past
// executions can be listed, inspected, searched, and exported.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sipeed/runclaw/pkg/models"
)

// ErrNotFound is returned when no stored run matches the id.
var ErrNotFound = errors.New("command not in history")

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commands (
	id            TEXT PRIMARY KEY,
	line          TEXT NOT NULL,
	command       TEXT NOT NULL,
	working_dir   TEXT NOT NULL,
	status        TEXT NOT NULL,
	initiator     TEXT NOT NULL,
	request_id    TEXT NOT NULL DEFAULT '',
	approved      INTEGER NOT NULL DEFAULT 0,
	exit_code     INTEGER,
	stdout        TEXT NOT NULL DEFAULT '',
	stderr        TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	timed_out     INTEGER NOT NULL DEFAULT 0,
	killed        INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL,
	completed_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_commands_started ON commands(started_at);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
`

// Entry is one stored run: the command record plus its result fields.
type Entry struct {
	ID          string           `json:"id"`
	Line        string           `json:"line"`
	Command     string           `json:"command"`
	WorkingDir  string           `json:"working_dir"`
	Status      models.Status    `json:"status"`
	Initiator   models.Initiator `json:"initiator"`
	RequestID   string           `json:"request_id,omitempty"`
	Approved    bool             `json:"approved"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	Stdout      string           `json:"stdout"`
	Stderr      string           `json:"stderr"`
	DurationMs  int64            `json:"duration_ms"`
	TimedOut    bool             `json:"timed_out"`
	Killed      bool             `json:"killed"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Store is a SQLite-backed run log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database and ensures the schema
// is at the current version.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// Concurrent CLI invocations share the file; wait instead of
	// failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	ver, err := currentSchemaVersion(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	}
	if ver < schemaVersion {
		if err := migrateSchema(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// currentSchemaVersion returns the version from schema_meta, or 0 when
// the table does not exist yet (fresh database).
func currentSchemaVersion(db *sql.DB) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_meta'
	`).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	var ver int
	err = db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&ver)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return ver, err
}

// migrateSchema drops and recreates everything. History is a
// convenience log, so on schema changes we recreate rather than
// migrate old rows.
func migrateSchema(db *sql.DB) error {
	drops := []string{
		"DROP TABLE IF EXISTS commands",
		"DROP TABLE IF EXISTS schema_meta",
	}
	for _, stmt := range drops {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("drop table: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_meta (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// Record stores one finished run. res may be nil for commands that
// never spawned, rejected ones included. Re-recording an id replaces
// the earlier row.
func (s *Store) Record(rec *models.Command, res *models.Result) error {
	if rec == nil {
		return errors.New("nil command record")
	}

	var durationMs int64
	var timedOut, killed bool
	stdout, stderr := rec.Stdout, rec.Stderr
	if res != nil {
		durationMs = res.DurationMs
		timedOut = res.TimedOut
		killed = res.Killed
		stdout, stderr = res.Stdout, res.Stderr
	} else if rec.CompletedAt != nil {
		durationMs = rec.Duration().Milliseconds()
	}

	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	var completedAt sql.NullString
	if rec.CompletedAt != nil {
		completedAt = sql.NullString{String: rec.CompletedAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO commands
		(id, line, command, working_dir, status, initiator, request_id,
		 approved, exit_code, stdout, stderr, duration_ms, timed_out,
		 killed, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Line, rec.Command, rec.WorkingDir, string(rec.Status),
		string(rec.Initiator), rec.RequestID, boolInt(rec.Approved),
		exitCode, stdout, stderr, durationMs, boolInt(timedOut),
		boolInt(killed), rec.StartedAt.Format(time.RFC3339Nano), completedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const selectColumns = `
	id, line, command, working_dir, status, initiator, request_id,
	approved, exit_code, stdout, stderr, duration_ms, timed_out,
	killed, started_at, completed_at`

// Get returns one stored run by id.
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT`+selectColumns+` FROM commands WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return e, nil
}

// List returns stored runs, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	q := `SELECT` + selectColumns + ` FROM commands ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(q, args...)
}

// Search returns runs whose command line contains the term, newest
// first.
func (s *Store) Search(term string, limit int) ([]Entry, error) {
	q := `SELECT` + selectColumns + ` FROM commands
		WHERE line LIKE '%' || ? || '%'
		ORDER BY started_at DESC, id DESC`
	args := []any{term}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(q, args...)
}

// Count returns the number of stored runs.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM commands").Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// Prune deletes everything but the newest keep runs and returns how
// many rows went away.
func (s *Store) Prune(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`
		DELETE FROM commands WHERE id NOT IN (
			SELECT id FROM commands ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Export writes every stored run as JSONL, oldest first.
func (s *Store) Export(w io.Writer) error {
	entries, err := s.queryEntries(`SELECT` + selectColumns + ` FROM commands ORDER BY started_at ASC, id ASC`)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("encode run %s: %w", entries[i].ID, err)
		}
	}
	return nil
}

// ExportZstd writes the JSONL export through a zstd frame.
func (s *Store) ExportZstd(w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := s.Export(enc); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryEntries(q string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var status, initiator, startedAt string
	var approved, timedOut, killed int
	var exitCode sql.NullInt64
	var completedAt sql.NullString

	err := row.Scan(&e.ID, &e.Line, &e.Command, &e.WorkingDir, &status,
		&initiator, &e.RequestID, &approved, &exitCode, &e.Stdout,
		&e.Stderr, &e.DurationMs, &timedOut, &killed, &startedAt,
		&completedAt)
	if err != nil {
		return nil, err
	}

	e.Status = models.Status(status)
	e.Initiator = models.Initiator(initiator)
	e.Approved = approved == 1
	e.TimedOut = timedOut == 1
	e.Killed = killed == 1
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	if completedAt.Valid {
		at, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at %q: %w", completedAt.String, err)
		}
		e.CompletedAt = &at
	}
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
