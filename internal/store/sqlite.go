package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed run history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive across queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// BackupRun Operations
// ============================================================================

const backupRunColumns = `
	id, run_id, device, start_time, end_time, status, trigger_status,
	link, local_path, size, sha256, error_message
`

// CreateBackupRun inserts a new BackupRun and sets its ID
func (s *Store) CreateBackupRun(run *BackupRun) error {
	const query = `
		INSERT INTO backup_runs (
			run_id, device, start_time, end_time, status, trigger_status,
			link, local_path, size, sha256, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	result, err := s.db.Exec(
		query,
		run.RunID, run.Device, run.StartTime.UTC(), run.EndTime.UTC(), run.Status,
		run.TriggerStatus, run.Link, run.LocalPath, run.Size, run.SHA256, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert backup run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// FinishBackupRun writes the final state of a run by ID
func (s *Store) FinishBackupRun(run *BackupRun) error {
	const query = `
		UPDATE backup_runs SET
			end_time = ?, status = ?, trigger_status = ?, link = ?,
			local_path = ?, size = ?, sha256 = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.EndTime.UTC(), run.Status, run.TriggerStatus, run.Link,
		run.LocalPath, run.Size, run.SHA256, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update backup run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("backup run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// ListBackupRuns retrieves BackupRuns newest first, optionally filtered by device
func (s *Store) ListBackupRuns(device string, limit int) ([]BackupRun, error) {
	query := `SELECT ` + backupRunColumns + ` FROM backup_runs`
	var args []interface{}

	if device != "" {
		query += " WHERE device = ?"
		args = append(args, device)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup runs: %w", err)
	}
	defer rows.Close()

	var runs []BackupRun
	for rows.Next() {
		run, err := scanBackupRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup runs: %w", err)
	}

	return runs, nil
}

// LastSuccessfulBackup returns the newest downloaded run for device.
// It returns ErrNotFound when the device has never been backed up.
func (s *Store) LastSuccessfulBackup(device string) (*BackupRun, error) {
	query := `SELECT ` + backupRunColumns + ` FROM backup_runs
		WHERE device = ? AND status = ?
		ORDER BY start_time DESC, id DESC LIMIT 1`

	run, err := scanBackupRun(s.db.QueryRow(query, device, RunStatusDownloaded))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no successful backup for %s: %w", device, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query last backup: %w", err)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBackupRun(row rowScanner) (*BackupRun, error) {
	run := &BackupRun{}
	err := row.Scan(
		&run.ID, &run.RunID, &run.Device, &run.StartTime, &run.EndTime,
		&run.Status, &run.TriggerStatus, &run.Link, &run.LocalPath,
		&run.Size, &run.SHA256, &run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ============================================================================
// JobRegistration Operations
// ============================================================================

// RecordJobRegistration inserts a JobRegistration and sets its ID
func (s *Store) RecordJobRegistration(reg *JobRegistration) error {
	const query = `
		INSERT INTO job_registrations (
			run_id, job_name, backend, outcome, command_line, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		reg.RunID, reg.JobName, reg.Backend, reg.Outcome,
		reg.CommandLine, reg.ErrorMessage, reg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job registration: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	reg.ID = id
	return nil
}

// ListJobRegistrations retrieves JobRegistrations newest first
func (s *Store) ListJobRegistrations(limit int) ([]JobRegistration, error) {
	query := `
		SELECT id, run_id, job_name, backend, outcome, command_line, error_message, created_at
		FROM job_registrations
		ORDER BY created_at DESC, id DESC
	`
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job registrations: %w", err)
	}
	defer rows.Close()

	var regs []JobRegistration
	for rows.Next() {
		reg := JobRegistration{}
		if err := rows.Scan(
			&reg.ID, &reg.RunID, &reg.JobName, &reg.Backend, &reg.Outcome,
			&reg.CommandLine, &reg.ErrorMessage, &reg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job registration: %w", err)
		}
		regs = append(regs, reg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job registrations: %w", err)
	}

	return regs, nil
}
