package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

// Keys of the app_state table
const (
	KeyActiveSession = "active_session_id"
)

// Database handles SQLite database operations
type Database struct {
	db  *sql.DB
	log zerolog.Logger
}

// UploadRecord is the stored metadata of a finished upload job.
// File contents are never stored.
type UploadRecord struct {
	ID          string                `json:"id"`
	SessionID   string                `json:"session_id"`
	Channel     pipeline.Channel      `json:"channel"`
	FileName    string                `json:"file_name"`
	Kind        pipeline.FileKind     `json:"kind"`
	Status      pipeline.UploadStatus `json:"status"`
	Attempts    int                   `json:"attempts"`
	FaceCount   int                   `json:"face_count"`
	Emotions    map[string]int        `json:"emotions"`
	Error       string                `json:"error,omitempty"`
	FrameWidth  int                   `json:"frame_width,omitempty"`
	FrameHeight int                   `json:"frame_height,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, log: logging.Component("database")}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS upload_jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			file_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			face_count INTEGER DEFAULT 0,
			emotions TEXT,
			error TEXT,
			frame_width INTEGER DEFAULT 0,
			frame_height INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_session_time ON upload_jobs(session_id, updated_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.log.Debug().Msg("database migrations completed")
	return nil
}

// SaveState saves a state value
func (d *Database) SaveState(key, value string) error {
	query := `INSERT INTO app_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := d.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// GetState retrieves a state value. A missing key yields "".
func (d *Database) GetState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state: %w", err)
	}
	return value, nil
}

// DeleteState deletes a state value
func (d *Database) DeleteState(key string) error {
	if _, err := d.db.Exec("DELETE FROM app_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// RecordUpload stores the outcome of an upload job. A retried job replaces
// its earlier row.
func (d *Database) RecordUpload(sessionID string, job pipeline.UploadJob) error {
	emotions := make(map[string]int)
	for _, r := range job.Results {
		emotions[r.Emotion]++
	}
	emotionsJSON, err := json.Marshal(emotions)
	if err != nil {
		return fmt.Errorf("failed to marshal emotions: %w", err)
	}

	query := `INSERT INTO upload_jobs
		(id, session_id, channel, file_name, kind, status, attempts, face_count, emotions,
		 error, frame_width, frame_height, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			face_count = excluded.face_count,
			emotions = excluded.emotions,
			error = excluded.error,
			frame_width = excluded.frame_width,
			frame_height = excluded.frame_height,
			updated_at = excluded.updated_at`

	_, err = d.db.Exec(query, job.ID, sessionID, string(job.Channel), job.FileName, string(job.Kind),
		string(job.Status), job.Attempts, len(job.Results), string(emotionsJSON), job.Error,
		job.FrameWidth, job.FrameHeight, job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save upload job: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload record by ID
func (d *Database) GetUpload(id string) (*UploadRecord, error) {
	query := `SELECT id, session_id, channel, file_name, kind, status, attempts, face_count,
		emotions, error, frame_width, frame_height, created_at, updated_at
		FROM upload_jobs WHERE id = ?`

	rec, err := scanUpload(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload job: %w", err)
	}
	return rec, nil
}

// ListUploads returns upload records, newest first, with optional filtering
func (d *Database) ListUploads(sessionID string, channel pipeline.Channel, limit int) ([]*UploadRecord, error) {
	query := `SELECT id, session_id, channel, file_name, kind, status, attempts, face_count,
		emotions, error, frame_width, frame_height, created_at, updated_at
		FROM upload_jobs WHERE 1=1`
	args := []interface{}{}

	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	if channel != "" {
		query += " AND channel = ?"
		args = append(args, string(channel))
	}

	query += " ORDER BY updated_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload jobs: %w", err)
	}
	defer rows.Close()

	var records []*UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload job: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOldUploads deletes records last updated before the given time
func (d *Database) DeleteOldUploads(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM upload_jobs WHERE updated_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old upload jobs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (*UploadRecord, error) {
	var rec UploadRecord
	var channel, kind, status string
	var emotionsJSON, errText sql.NullString

	if err := row.Scan(&rec.ID, &rec.SessionID, &channel, &rec.FileName, &kind, &status,
		&rec.Attempts, &rec.FaceCount, &emotionsJSON, &errText, &rec.FrameWidth, &rec.FrameHeight,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	rec.Channel = pipeline.Channel(channel)
	rec.Kind = pipeline.FileKind(kind)
	rec.Status = pipeline.UploadStatus(status)
	rec.Error = errText.String
	if emotionsJSON.Valid && emotionsJSON.String != "" {
		if err := json.Unmarshal([]byte(emotionsJSON.String), &rec.Emotions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal emotions: %w", err)
		}
	}
	return &rec, nil
}

var _ pipeline.UploadRecorder = (*Database)(nil)
