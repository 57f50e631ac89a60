package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ngnpope/mellon/pkg/observability"
)

// Recorder is the interface for audit sinks.
type Recorder interface {
	// Record persists one audit event.
	Record(ctx context.Context, event *Event) error

	// Close flushes and releases the recorder.
	Close() error
}

// LogRecorder writes audit events through the structured logger.
type LogRecorder struct {
	logger *observability.Logger
}

// NewLogRecorder creates a recorder backed by the given logger.
func NewLogRecorder(logger *observability.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.WithField("channel", "audit")}
}

// Record emits the event as one structured log line.
func (r *LogRecorder) Record(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	fields := map[string]interface{}{
		"event_type": string(event.EventType),
	}
	if event.Issuer != "" {
		fields["issuer"] = event.Issuer
	}
	if event.NameID != "" {
		fields["name_id"] = event.NameID
	}
	if event.UserID != 0 {
		fields["audit_user_id"] = event.UserID
	}
	if event.Username != "" {
		fields["username"] = event.Username
	}
	if event.Field != "" {
		fields["field"] = event.Field
		fields["old_value"] = event.OldValue
		fields["new_value"] = event.NewValue
	}
	if event.Group != "" {
		fields["group"] = event.Group
	}
	message := event.Message
	if message == "" {
		message = string(event.EventType)
	}
	r.logger.WithFields(fields).Info(message)
	return nil
}

// Close is a no-op for the log recorder.
func (r *LogRecorder) Close() error { return nil }

// DBRecorder persists audit events to the audit_events table.
type DBRecorder struct {
	db *sql.DB
}

// NewDBRecorder creates a database-backed recorder. The table is created if
// missing so the recorder is usable standalone.
func NewDBRecorder(ctx context.Context, db *sql.DB) (*DBRecorder, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			event_type VARCHAR(64) NOT NULL,
			issuer TEXT NOT NULL DEFAULT '',
			name_id TEXT NOT NULL DEFAULT '',
			user_id BIGINT,
			username VARCHAR(30) NOT NULL DEFAULT '',
			field VARCHAR(64) NOT NULL DEFAULT '',
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			group_name VARCHAR(150) NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return &DBRecorder{db: db}, nil
}

// Record inserts the event.
func (r *DBRecorder) Record(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var userID interface{}
	if event.UserID != 0 {
		userID = event.UserID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (timestamp, event_type, issuer, name_id, user_id,
			username, field, old_value, new_value, group_name, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.Timestamp, string(event.EventType), event.Issuer, event.NameID, userID,
		event.Username, event.Field, event.OldValue, event.NewValue, event.Group, event.Message)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Close is a no-op; the recorder does not own the database handle.
func (r *DBRecorder) Close() error { return nil }

// MultiRecorder fans events out to several recorders; the first error wins
// but every recorder still sees the event.
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder combines recorders into one.
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

// Record forwards the event to all recorders.
func (r *MultiRecorder) Record(ctx context.Context, event *Event) error {
	var firstErr error
	for _, rec := range r.recorders {
		if err := rec.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all recorders.
func (r *MultiRecorder) Close() error {
	var firstErr error
	for _, rec := range r.recorders {
		if err := rec.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
