package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/kismet-tech/aiready/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to ":memory:" is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

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

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// GetCapabilityReport retrieves the cached report of a site.
func (s *SQLiteStore) GetCapabilityReport(ctx context.Context, site string) (*engine.CapabilityReport, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM capability_reports WHERE site = ?`, site).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("capability report", site)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capability report: %w", err)
	}

	report := &engine.CapabilityReport{}
	if err := json.Unmarshal([]byte(raw), report); err != nil {
		return nil, fmt.Errorf("failed to decode capability report: %w", err)
	}
	return report, nil
}

// SaveCapabilityReport creates or replaces the cached report of a site.
func (s *SQLiteStore) SaveCapabilityReport(ctx context.Context, site string, report *engine.CapabilityReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode capability report: %w", err)
	}

	query := `
		INSERT INTO capability_reports (site, report, report_hash, probed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site) DO UPDATE SET
			report = excluded.report,
			report_hash = excluded.report_hash,
			probed_at = excluded.probed_at
	`
	if _, err := s.db.ExecContext(ctx, query, site, string(raw), report.Hash(), report.ProbedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save capability report: %w", err)
	}
	return nil
}

// DeleteCapabilityReport drops the cached report of a site.
func (s *SQLiteStore) DeleteCapabilityReport(ctx context.Context, site string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM capability_reports WHERE site = ?`, site); err != nil {
		return fmt.Errorf("failed to delete capability report: %w", err)
	}
	return nil
}

const attemptRecordColumns = `endpoint_key, strategy_id, success, last_error, state,
	descriptor_hash, report_hash, artifacts, attempts, recorded_at`

// GetAttemptRecord retrieves the attempt record of an endpoint.
func (s *SQLiteStore) GetAttemptRecord(ctx context.Context, key string) (*engine.AttemptRecord, error) {
	query := `SELECT ` + attemptRecordColumns + ` FROM attempt_records WHERE endpoint_key = ?`

	record, err := scanAttemptRecord(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("attempt record", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt record: %w", err)
	}
	return record, nil
}

// SaveAttemptRecord creates or overwrites the attempt record of an endpoint.
func (s *SQLiteStore) SaveAttemptRecord(ctx context.Context, record *engine.AttemptRecord) error {
	artifacts, err := json.Marshal(nonNilArtifacts(record.Artifacts))
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}
	attempts, err := json.Marshal(nonNilAttempts(record.Attempts))
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}

	query := `
		INSERT INTO attempt_records (` + attemptRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_key) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			success = excluded.success,
			last_error = excluded.last_error,
			state = excluded.state,
			descriptor_hash = excluded.descriptor_hash,
			report_hash = excluded.report_hash,
			artifacts = excluded.artifacts,
			attempts = excluded.attempts,
			recorded_at = excluded.recorded_at
	`
	_, err = s.db.ExecContext(ctx, query,
		record.EndpointKey,
		string(record.StrategyID),
		record.Success,
		record.LastError,
		string(record.State),
		record.DescriptorHash,
		record.ReportHash,
		string(artifacts),
		string(attempts),
		record.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt record: %w", err)
	}
	return nil
}

// DeleteAttemptRecord removes the attempt record of an endpoint.
func (s *SQLiteStore) DeleteAttemptRecord(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM attempt_records WHERE endpoint_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete attempt record: %w", err)
	}
	return requireAffected(result, "attempt record", key)
}

// ListAttemptRecords lists all attempt records ordered by endpoint key.
func (s *SQLiteStore) ListAttemptRecords(ctx context.Context) ([]*engine.AttemptRecord, error) {
	query := `SELECT ` + attemptRecordColumns + ` FROM attempt_records ORDER BY endpoint_key`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempt records: %w", err)
	}
	defer rows.Close()

	records := []*engine.AttemptRecord{}
	for rows.Next() {
		record, err := scanAttemptRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt records: %w", err)
	}
	return records, nil
}

// AppendAttemptHistory appends diagnostics rows in one transaction.
func (s *SQLiteStore) AppendAttemptHistory(ctx context.Context, entries []*engine.AttemptHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attempt_history (endpoint_key, strategy_id, success, error, rolled_back, report_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		result, err := stmt.ExecContext(ctx,
			e.EndpointKey,
			string(e.StrategyID),
			e.Success,
			e.Error,
			e.RolledBack,
			e.ReportHash,
			e.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append attempt history: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			e.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt history: %w", err)
	}
	return nil
}

// ListAttemptHistory lists the newest history rows of an endpoint, or of all
// endpoints when key is empty.
func (s *SQLiteStore) ListAttemptHistory(ctx context.Context, key string, limit int) ([]*engine.AttemptHistoryEntry, error) {
	query := `
		SELECT id, endpoint_key, strategy_id, success, error, rolled_back, report_hash, recorded_at
		FROM attempt_history
		WHERE (? = '' OR endpoint_key = ?)
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, key, key, effectiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list attempt history: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AttemptHistoryEntry{}
	for rows.Next() {
		e := &engine.AttemptHistoryEntry{}
		var strategyID string
		if err := rows.Scan(&e.ID, &e.EndpointKey, &strategyID, &e.Success, &e.Error,
			&e.RolledBack, &e.ReportHash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attempt history: %w", err)
		}
		e.StrategyID = engine.StrategyID(strategyID)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt history: %w", err)
	}
	return entries, nil
}

// GetFingerprint retrieves the fingerprint of a file.
func (s *SQLiteStore) GetFingerprint(ctx context.Context, path string) (*engine.FileFingerprint, error) {
	fp := &engine.FileFingerprint{}
	err := s.db.QueryRowContext(ctx, `
		SELECT path, content_hash, created_at, updated_at
		FROM file_fingerprints WHERE path = ?
	`, path).Scan(&fp.Path, &fp.ContentHash, &fp.CreatedAt, &fp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("fingerprint", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return fp, nil
}

// SaveFingerprint creates a fingerprint or updates its hash, keeping the
// original creation time.
func (s *SQLiteStore) SaveFingerprint(ctx context.Context, fp *engine.FileFingerprint) error {
	query := `
		INSERT INTO file_fingerprints (path, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, fp.Path, fp.ContentHash, fp.CreatedAt.UTC(), fp.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

// DeleteFingerprint removes the fingerprint of a file.
func (s *SQLiteStore) DeleteFingerprint(ctx context.Context, path string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM file_fingerprints WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to delete fingerprint: %w", err)
	}
	return requireAffected(result, "fingerprint", path)
}

// ListFingerprints lists every fingerprint ordered by path.
func (s *SQLiteStore) ListFingerprints(ctx context.Context) ([]*engine.FileFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content_hash, created_at, updated_at
		FROM file_fingerprints ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	fps := []*engine.FileFingerprint{}
	for rows.Next() {
		fp := &engine.FileFingerprint{}
		if err := rows.Scan(&fp.Path, &fp.ContentHash, &fp.CreatedAt, &fp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fingerprints: %w", err)
	}
	return fps, nil
}

// SaveConflict creates or replaces a conflict.
func (s *SQLiteStore) SaveConflict(ctx context.Context, c *engine.FileConflict) error {
	query := `
		INSERT INTO file_conflicts (id, path, proposed_content, existing_content, reason, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			proposed_content = excluded.proposed_content,
			existing_content = excluded.existing_content,
			reason = excluded.reason,
			status = excluded.status,
			resolved_at = excluded.resolved_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Path, c.ProposedContent, c.ExistingContent, c.Reason,
		string(c.Status), c.CreatedAt.UTC(), nullTime(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

const conflictColumns = `id, path, proposed_content, existing_content, reason, status, created_at, resolved_at`

// GetConflict retrieves a conflict by ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*engine.FileConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM file_conflicts WHERE id = ?`

	c, err := scanConflict(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("conflict", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

// ListConflicts lists conflicts with the given status, or all when empty.
func (s *SQLiteStore) ListConflicts(ctx context.Context, status engine.ConflictStatus) ([]*engine.FileConflict, error) {
	query := `
		SELECT ` + conflictColumns + `
		FROM file_conflicts
		WHERE (? = '' OR status = ?)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []*engine.FileConflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// UpdateConflictStatus changes the status of a conflict.
func (s *SQLiteStore) UpdateConflictStatus(ctx context.Context, id string, status engine.ConflictStatus) error {
	var resolvedAt *time.Time
	if status != engine.ConflictPending {
		now := time.Now().UTC()
		resolvedAt = &now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE file_conflicts SET status = ?, resolved_at = ? WHERE id = ?`,
		string(status), nullTime(resolvedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update conflict status: %w", err)
	}
	return requireAffected(result, "conflict", id)
}

// SaveBackup records backup metadata.
func (s *SQLiteStore) SaveBackup(ctx context.Context, b *engine.Backup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (id, path, backup_path, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.ID, b.Path, b.BackupPath, b.ContentHash, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup by ID.
func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*engine.Backup, error) {
	b := &engine.Backup{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, backup_path, content_hash, created_at
		FROM backups WHERE id = ?
	`, id).Scan(&b.ID, &b.Path, &b.BackupPath, &b.ContentHash, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("backup", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	return b, nil
}

// ListBackups lists backups of a file, or of all files when path is empty,
// newest first.
func (s *SQLiteStore) ListBackups(ctx context.Context, path string) ([]*engine.Backup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, backup_path, content_hash, created_at
		FROM backups
		WHERE (? = '' OR path = ?)
		ORDER BY created_at DESC, rowid DESC
	`, path, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	backups := []*engine.Backup{}
	for rows.Next() {
		b := &engine.Backup{}
		if err := rows.Scan(&b.ID, &b.Path, &b.BackupPath, &b.ContentHash, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}
	return backups, nil
}

// SaveSuggestion creates or replaces a suggestion.
func (s *SQLiteStore) SaveSuggestion(ctx context.Context, sg *engine.Suggestion) error {
	query := `
		INSERT INTO suggestions (id, endpoint_key, server_family, target, snippet, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_family = excluded.server_family,
			target = excluded.target,
			snippet = excluded.snippet
	`
	_, err := s.db.ExecContext(ctx, query,
		sg.ID, sg.EndpointKey, string(sg.ServerFamily), sg.Target, sg.Snippet, sg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save suggestion: %w", err)
	}
	return nil
}

// DeleteSuggestion removes a suggestion.
func (s *SQLiteStore) DeleteSuggestion(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM suggestions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete suggestion: %w", err)
	}
	return requireAffected(result, "suggestion", id)
}

// ListSuggestions lists suggestions of an endpoint, or all when key is empty.
func (s *SQLiteStore) ListSuggestions(ctx context.Context, key string) ([]*engine.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_key, server_family, target, snippet, created_at
		FROM suggestions
		WHERE (? = '' OR endpoint_key = ?)
		ORDER BY created_at ASC, id ASC
	`, key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	suggestions := []*engine.Suggestion{}
	for rows.Next() {
		sg := &engine.Suggestion{}
		var family string
		if err := rows.Scan(&sg.ID, &sg.EndpointKey, &family, &sg.Target, &sg.Snippet, &sg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		sg.ServerFamily = engine.ServerFamily(family)
		suggestions = append(suggestions, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suggestions: %w", err)
	}
	return suggestions, nil
}

// AppendEvent records a lifecycle transition.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *engine.EndpointEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoint_events (id, endpoint_key, from_state, to_state, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.EndpointKey, string(e.From), string(e.To), e.Message, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents lists the newest events of an endpoint, or of all endpoints when
// key is empty.
func (s *SQLiteStore) ListEvents(ctx context.Context, key string, limit int) ([]*engine.EndpointEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_key, from_state, to_state, message, recorded_at
		FROM endpoint_events
		WHERE (? = '' OR endpoint_key = ?)
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?
	`, key, key, effectiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.EndpointEvent{}
	for rows.Next() {
		e := &engine.EndpointEvent{}
		var from, to string
		if err := rows.Scan(&e.ID, &e.EndpointKey, &from, &to, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.From = engine.EndpointState(from)
		e.To = engine.EndpointState(to)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttemptRecord(row rowScanner) (*engine.AttemptRecord, error) {
	record := &engine.AttemptRecord{}
	var strategyID, state, artifacts, attempts string
	err := row.Scan(
		&record.EndpointKey,
		&strategyID,
		&record.Success,
		&record.LastError,
		&state,
		&record.DescriptorHash,
		&record.ReportHash,
		&artifacts,
		&attempts,
		&record.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	record.StrategyID = engine.StrategyID(strategyID)
	record.State = engine.EndpointState(state)

	if err := json.Unmarshal([]byte(artifacts), &record.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &record.Attempts); err != nil {
		return nil, fmt.Errorf("failed to decode attempts: %w", err)
	}
	return record, nil
}

func scanConflict(row rowScanner) (*engine.FileConflict, error) {
	c := &engine.FileConflict{}
	var status string
	var resolvedAt sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.Path,
		&c.ProposedContent,
		&c.ExistingContent,
		&c.Reason,
		&status,
		&c.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = engine.ConflictStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

func requireAffected(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(entity, id)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nonNilArtifacts(a []engine.Artifact) []engine.Artifact {
	if a == nil {
		return []engine.Artifact{}
	}
	return a
}

func nonNilAttempts(a []engine.StrategyAttempt) []engine.StrategyAttempt {
	if a == nil {
		return []engine.StrategyAttempt{}
	}
	return a
}
