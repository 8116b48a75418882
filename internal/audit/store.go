package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/gateway"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	timestamp   DATETIME NOT NULL,
	type        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	source      TEXT NOT NULL,
	description TEXT NOT NULL,
	details     TEXT,
	source_ip   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events (type);
CREATE INDEX IF NOT EXISTS idx_audit_events_severity ON audit_events (severity);
`

// Store persists audit events in SQLite. Events are append-only; the only
// mutation is the periodic retention trim.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewStore opens (or creates) the audit database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.Info("Audit database opened", zap.String("path", path))
	return &Store{logger: logger, db: db}, nil
}

// Insert appends one event.
func (s *Store) Insert(ctx context.Context, event *Event) error {
	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, timestamp, type, severity, source, description, details, source_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC(), string(event.Type), string(event.Severity),
		event.Source, event.Description, nullableString(string(details)), nullableString(event.SourceIP))
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first. limit <= 0 returns 100.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, timestamp, type, severity, source, description, details, source_ip
		 FROM audit_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// ByType returns events of one type, newest first.
func (s *Store) ByType(ctx context.Context, t EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, timestamp, type, severity, source, description, details, source_ip
		 FROM audit_events WHERE type = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, string(t), limit)
}

// BySeverity returns events of one severity, newest first.
func (s *Store) BySeverity(ctx context.Context, sev gateway.Severity, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, timestamp, type, severity, source, description, details, source_ip
		 FROM audit_events WHERE severity = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, string(sev), limit)
}

// InPeriod returns every event inside the window, oldest first.
func (s *Store) InPeriod(ctx context.Context, start, end time.Time) ([]Event, error) {
	return s.query(ctx,
		`SELECT id, timestamp, type, severity, source, description, details, source_ip
		 FROM audit_events WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC, id ASC`,
		start.UTC(), end.UTC())
}

// TrimBefore deletes events older than the cutoff and returns the count.
func (s *Store) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to trim audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var details, sourceIP sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Severity,
			&e.Source, &e.Description, &details, &sourceIP); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				s.logger.Warn("Skipping undecodable event details",
					zap.String("event_id", e.ID), zap.Error(err))
			}
		}
		e.SourceIP = sourceIP.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
