package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType represents the type of admin access event
type EventType string

const (
	EventAdminAccess  EventType = "admin_access"
	EventInvalidToken EventType = "invalid_token"
)

// Invocation is one executed request as stored in the audit log
type Invocation struct {
	ID         string  `db:"id" json:"id"`
	TraceID    string  `db:"trace_id" json:"traceId"`
	App        string  `db:"app" json:"app"`
	Entrypoint string  `db:"entrypoint" json:"entrypoint"`
	Method     string  `db:"method" json:"method"`
	Path       string  `db:"path" json:"path"`
	Status     int     `db:"status" json:"status"`
	Kind       string  `db:"kind" json:"kind,omitempty"` // Empty when the handler returned a response
	Message    string  `db:"message" json:"message,omitempty"`
	PID        int     `db:"pid" json:"pid"`
	ExitCode   int     `db:"exit_code" json:"exitCode"`
	DurationMS float64 `db:"duration_ms" json:"durationMs"`
	WallTimeMS float64 `db:"wall_time_ms" json:"wallTimeMs"`
	Timestamp  int64   `db:"timestamp" json:"timestamp"` // Unix milliseconds
}

// AccessEvent is a use of the admin API
type AccessEvent struct {
	ID               string `db:"id" json:"id"`
	EventType        string `db:"event_type" json:"eventType"`
	Timestamp        int64  `db:"timestamp" json:"timestamp"`
	TokenFingerprint string `db:"token_fingerprint" json:"tokenFingerprint"`
	RemoteAddr       string `db:"remote_addr" json:"remoteAddr"`
}

// Logger records invocations and admin access in a SQL database
type Logger struct {
	db *sqlx.DB
}

// Open connects to the sqlite database at path and initializes the schema
func Open(path string) (*Logger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database %s: %w", path, err)
	}
	logger, err := NewLogger(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return logger, nil
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// Close closes the underlying database
func (l *Logger) Close() error {
	return l.db.Close()
}

// DBInit initializes the audit tables
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		app TEXT NOT NULL,
		entrypoint TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		pid INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms REAL NOT NULL,
		wall_time_ms REAL NOT NULL,
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS access_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		token_fingerprint TEXT,
		remote_addr TEXT
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_app ON invocations(app)`,
		`CREATE INDEX IF NOT EXISTS idx_access_events_timestamp ON access_events(timestamp)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// tokenFingerprint creates a SHA-256 hash of a token for audit logging
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// LogInvocation stores an invocation. ID and Timestamp are filled in when
// empty.
func (l *Logger) LogInvocation(inv *Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.Timestamp == 0 {
		inv.Timestamp = time.Now().UTC().UnixMilli()
	}
	_, err := l.db.NamedExec(`
		INSERT INTO invocations (
			id, trace_id, app, entrypoint, method, path, status, kind, message,
			pid, exit_code, duration_ms, wall_time_ms, timestamp
		) VALUES (
			:id, :trace_id, :app, :entrypoint, :method, :path, :status, :kind, :message,
			:pid, :exit_code, :duration_ms, :wall_time_ms, :timestamp
		)`, inv)
	return err
}

// GetRecentInvocations retrieves the most recent invocations
func (l *Logger) GetRecentInvocations(limit int) ([]Invocation, error) {
	invocations := []Invocation{}
	err := l.db.Select(&invocations,
		"SELECT * FROM invocations ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return invocations, err
}

// GetInvocationsByApp retrieves the most recent invocations of one app
func (l *Logger) GetInvocationsByApp(app string, limit int) ([]Invocation, error) {
	invocations := []Invocation{}
	err := l.db.Select(&invocations,
		"SELECT * FROM invocations WHERE app = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		app, limit)
	return invocations, err
}

func (l *Logger) insertAccessEvent(eventType EventType, token, remoteAddr string) error {
	_, err := l.db.Exec(`
		INSERT INTO access_events (id, event_type, timestamp, token_fingerprint, remote_addr)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(),
		string(eventType),
		time.Now().UTC().UnixMilli(),
		tokenFingerprint(token),
		remoteAddr,
	)
	return err
}

// LogAdminAccess logs an authorized admin API request
func (l *Logger) LogAdminAccess(token, remoteAddr string) error {
	return l.insertAccessEvent(EventAdminAccess, token, remoteAddr)
}

// LogInvalidToken logs an admin API request with a missing or invalid token
func (l *Logger) LogInvalidToken(token, remoteAddr string) error {
	return l.insertAccessEvent(EventInvalidToken, token, remoteAddr)
}

// GetRecentAccessEvents retrieves the most recent admin access events
func (l *Logger) GetRecentAccessEvents(limit int) ([]AccessEvent, error) {
	events := []AccessEvent{}
	err := l.db.Select(&events,
		"SELECT * FROM access_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes invocations and access events older than the
// specified duration and returns how many rows were removed
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()

	var total int64
	for _, table := range []string{"invocations", "access_events"} {
		result, err := l.db.Exec("DELETE FROM "+table+" WHERE timestamp < $1", threshold)
		if err != nil {
			return total, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
