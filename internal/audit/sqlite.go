//go:build sqlite

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqliteTimeLayout has a fixed width so that text comparison of
// occurred_at orders the same as time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

// SQLiteAuditLogger stores events in the audit_events table of the main
// SQLite database.
type SQLiteAuditLogger struct {
	db *sql.DB
}

// NewSQLiteAuditLoggerFromDB shares an existing connection; the caller owns it.
func NewSQLiteAuditLoggerFromDB(db *sql.DB) *SQLiteAuditLogger {
	return &SQLiteAuditLogger{db: db}
}

func (s *SQLiteAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	event.stamp(uuid.NewString)
	changes, err := event.changesJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.values(sqliteDialect.timeArg(event.Timestamp), changes)...)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	where, args := opts.where(sqliteDialect)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}
	events, err := s.query(ctx, opts, where, args)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *SQLiteAuditLogger) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	opts := ListOptions{ResourceType: resourceType, ResourceID: resourceID, Limit: maxListLimit}
	where, args := opts.where(sqliteDialect)
	return s.query(ctx, opts, where, args)
}

func (s *SQLiteAuditLogger) query(ctx context.Context, opts ListOptions, where string, args []any) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM audit_events"+where+" ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, clampLimit(opts.Limit), max(opts.Offset, 0))...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var occurredAt string
		e, err := scanEvent(rows, &occurredAt)
		if err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(sqliteTimeLayout, occurredAt); err != nil {
			return nil, fmt.Errorf("audit event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
