package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ega-archive/egaboot/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the persistent manifest: artifact fingerprints, run
// summaries and CA serial counters.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Init opens the database connection with WAL journaling.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// one writer at a time; SQLite serializes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get implements engine.Manifest.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*engine.ManifestEntry, error) {
	query := `
		SELECT id, kind, status, fingerprint, input_fingerprint, outputs, run_id, built_at
		FROM artifacts
		WHERE id = ?
	`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	return entry, nil
}

// Put implements engine.Manifest.
func (s *SQLiteStore) Put(ctx context.Context, entry *engine.ManifestEntry) error {
	query := `
		INSERT INTO artifacts (id, kind, status, fingerprint, input_fingerprint, outputs, run_id, built_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			fingerprint = excluded.fingerprint,
			input_fingerprint = excluded.input_fingerprint,
			outputs = excluded.outputs,
			run_id = excluded.run_id,
			built_at = excluded.built_at
	`

	outputs, err := json.Marshal(entry.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		string(entry.Kind),
		string(entry.Status),
		entry.Fingerprint,
		entry.InputFingerprint,
		string(outputs),
		entry.RunID,
		formatTime(entry.BuiltAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert artifact %s: %w", entry.ID, err)
	}
	return nil
}

// Delete implements engine.Manifest.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return nil
}

// List implements engine.Manifest.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.ManifestEntry, error) {
	query := `
		SELECT id, kind, status, fingerprint, input_fingerprint, outputs, run_id, built_at
		FROM artifacts
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	entries := make([]*engine.ManifestEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return entries, nil
}

// Reset implements engine.Manifest. Serial counters go with the entries
// since a reset root gets a fresh CA.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM artifacts`, `DELETE FROM ca_serials`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset manifest: %w", err)
		}
	}
	return tx.Commit()
}

// RecordRun implements engine.Manifest.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *engine.RunRecord) error {
	query := `
		INSERT INTO runs (id, status, targets, built, failed, skipped, up_to_date, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	targets, err := json.Marshal(run.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}
	var errMsg *string
	if run.Error != "" {
		errMsg = &run.Error
	}

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Status),
		string(targets),
		run.Built,
		run.Failed,
		run.Skipped,
		run.UpToDate,
		errMsg,
		formatTime(run.StartedAt),
		formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*engine.RunRecord, error) {
	query := `
		SELECT id, status, targets, built, failed, skipped, up_to_date, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*engine.RunRecord, 0)
	for rows.Next() {
		var (
			run                  engine.RunRecord
			status, targets      string
			errMsg               sql.NullString
			startedAt, completed string
		)
		err := rows.Scan(&run.ID, &status, &targets, &run.Built, &run.Failed, &run.Skipped,
			&run.UpToDate, &errMsg, &startedAt, &completed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = engine.RunStatus(status)
		run.Error = errMsg.String
		if err := json.Unmarshal([]byte(targets), &run.Targets); err != nil {
			return nil, fmt.Errorf("failed to decode targets of run %s: %w", run.ID, err)
		}
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if run.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// NextSerial returns the next certificate serial for the named CA. Serial 1
// belongs to the root itself, so the first issued leaf gets 2.
func (s *SQLiteStore) NextSerial(ctx context.Context, ca string) (*big.Int, error) {
	query := `
		INSERT INTO ca_serials (ca, next_serial) VALUES (?, 3)
		ON CONFLICT(ca) DO UPDATE SET next_serial = next_serial + 1
		RETURNING next_serial - 1
	`

	var serial int64
	if err := s.db.QueryRowContext(ctx, query, ca).Scan(&serial); err != nil {
		return nil, fmt.Errorf("failed to allocate serial for %s: %w", ca, err)
	}
	return big.NewInt(serial), nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*engine.ManifestEntry, error) {
	var (
		entry                 engine.ManifestEntry
		kind, status, outputs string
		builtAt               string
	)
	err := row.Scan(&entry.ID, &kind, &status, &entry.Fingerprint, &entry.InputFingerprint,
		&outputs, &entry.RunID, &builtAt)
	if err != nil {
		return nil, err
	}
	entry.Kind = engine.Kind(kind)
	entry.Status = engine.Status(status)
	if err := json.Unmarshal([]byte(outputs), &entry.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs of %s: %w", entry.ID, err)
	}
	if entry.BuiltAt, err = parseTime(builtAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
