package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding recordings, their derived artifacts,
// the account context store, and the API call log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "optlog.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- time helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(field string, ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(field, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Accounts ---

// UpsertAccount writes an account context record. The pipeline never calls
// this; it exists for the account import command.
func (s *Store) UpsertAccount(a Account) error {
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, display_name, transcription_guidance, optimization_guidance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			transcription_guidance = excluded.transcription_guidance,
			optimization_guidance = excluded.optimization_guidance,
			updated_at = excluded.updated_at`,
		a.ID, a.DisplayName, a.TranscriptionGuidance, a.OptimizationGuidance, formatTime(updated),
	)
	return err
}

func (s *Store) GetAccount(id string) (Account, error) {
	var a Account
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT id, display_name, transcription_guidance, optimization_guidance, updated_at
		FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.DisplayName, &a.TranscriptionGuidance, &a.OptimizationGuidance, &updatedAt)
	if err == sql.ErrNoRows {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Account{}, err
	}
	return a, nil
}

// --- Recordings ---

const recordingColumns = `id, account_id, author, recorded_at, duration_seconds, audio_path, audio_mime,
	platform, objectives, context_override, transcription_status, analysis_status, status_message,
	public_slug, share_expires_at, share_enabled, share_password_hash, created_at, updated_at`

// CreateRecording inserts a new recording. Both status fields start pending
// regardless of what the caller set.
func (s *Store) CreateRecording(r Recording) error {
	objectives := r.Objectives
	if objectives == nil {
		objectives = []string{}
	}
	objJSON, err := json.Marshal(objectives)
	if err != nil {
		return fmt.Errorf("marshalling objectives: %w", err)
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO recordings (id, account_id, author, recorded_at, duration_seconds, audio_path, audio_mime,
			platform, objectives, context_override, transcription_status, analysis_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 'pending', ?, ?)`,
		r.ID, r.AccountID, r.Author, formatTime(r.RecordedAt), r.DurationSeconds, r.AudioPath, r.AudioMIME,
		r.Platform, string(objJSON), r.ContextOverride, formatTime(r.CreatedAt), formatTime(now),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var r Recording
	var recordedAt, objectives, createdAt, updatedAt string
	var transcription, analysis string
	var slug, expiresAt sql.NullString
	var shareEnabled int
	err := row.Scan(&r.ID, &r.AccountID, &r.Author, &recordedAt, &r.DurationSeconds, &r.AudioPath, &r.AudioMIME,
		&r.Platform, &objectives, &r.ContextOverride, &transcription, &analysis, &r.StatusMessage,
		&slug, &expiresAt, &shareEnabled, &r.SharePasswordHash, &createdAt, &updatedAt)
	if err != nil {
		return Recording{}, err
	}
	r.TranscriptionStatus = Status(transcription)
	r.AnalysisStatus = Status(analysis)
	r.PublicSlug = slug.String
	r.ShareEnabled = shareEnabled == 1
	if err := json.Unmarshal([]byte(objectives), &r.Objectives); err != nil {
		return Recording{}, fmt.Errorf("parsing objectives: %w", err)
	}
	if r.RecordedAt, err = parseTime("recorded_at", recordedAt); err != nil {
		return Recording{}, err
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Recording{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Recording{}, err
	}
	if r.ShareExpiresAt, err = parseNullTime("share_expires_at", expiresAt); err != nil {
		return Recording{}, err
	}
	return r, nil
}

func (s *Store) GetRecording(id string) (Recording, error) {
	r, err := scanRecording(s.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Recording{}, ErrNotFound
	}
	return r, err
}

// GetRecordingBySlug looks a recording up by its public slug, regardless of
// whether sharing is currently enabled.
func (s *Store) GetRecordingBySlug(slug string) (Recording, error) {
	r, err := scanRecording(s.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE public_slug = ?`, slug))
	if err == sql.ErrNoRows {
		return Recording{}, ErrNotFound
	}
	return r, err
}

// ListRecordingsByAccount returns an account's recordings, newest first.
func (s *Store) ListRecordingsByAccount(accountID string, limit int) ([]Recording, error) {
	rows, err := s.db.Query(`SELECT `+recordingColumns+` FROM recordings
		WHERE account_id = ? ORDER BY recorded_at DESC, created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SetTranscriptionStatus updates transcription_status and the status message.
func (s *Store) SetTranscriptionStatus(id string, status Status, message string) error {
	return s.setStatus("transcription_status", id, status, message)
}

// SetAnalysisStatus updates analysis_status and the status message.
func (s *Store) SetAnalysisStatus(id string, status Status, message string) error {
	return s.setStatus("analysis_status", id, status, message)
}

func (s *Store) setStatus(column, id string, status Status, message string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid %s %q", column, status)
	}
	res, err := s.db.Exec(`UPDATE recordings SET `+column+` = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// EnableShare stores the slug, expiry, and password hash and turns sharing on.
func (s *Store) EnableShare(id, slug string, expiresAt *time.Time, passwordHash string) error {
	res, err := s.db.Exec(`UPDATE recordings
		SET public_slug = ?, share_expires_at = ?, share_enabled = 1, share_password_hash = ?, updated_at = ?
		WHERE id = ?`,
		slug, nullTime(expiresAt), passwordHash, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// DisableShare turns sharing off. The slug is kept so old links resolve to a
// not-found result rather than to another recording.
func (s *Store) DisableShare(id string) error {
	res, err := s.db.Exec(`UPDATE recordings SET share_enabled = 0, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
