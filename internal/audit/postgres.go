//go:build postgres

package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) any { return t },
}

// PostgresAuditLogger stores events in the audit_events table.
type PostgresAuditLogger struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditLoggerFromPool shares the store's pool; the caller closes it.
func NewPostgresAuditLoggerFromPool(pool *pgxpool.Pool) *PostgresAuditLogger {
	return &PostgresAuditLogger{pool: pool}
}

func (s *PostgresAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	event.stamp(uuid.NewString)
	changes, err := event.changesJSON()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14)`,
		event.values(event.Timestamp, changes)...)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	where, args := opts.where(postgresDialect)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}
	events, err := s.query(ctx, opts, where, args)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *PostgresAuditLogger) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	opts := ListOptions{ResourceType: resourceType, ResourceID: resourceID, Limit: maxListLimit}
	where, args := opts.where(postgresDialect)
	return s.query(ctx, opts, where, args)
}

func (s *PostgresAuditLogger) query(ctx context.Context, opts ListOptions, where string, args []any) ([]*AuditEvent, error) {
	n := len(args)
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+" FROM audit_events"+where+" ORDER BY occurred_at DESC, id DESC"+
			" LIMIT "+postgresDialect.placeholder(n+1)+" OFFSET "+postgresDialect.placeholder(n+2),
		append(args, clampLimit(opts.Limit), max(opts.Offset, 0))...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var occurredAt time.Time
		e, err := scanEvent(rows, &occurredAt)
		if err != nil {
			return nil, err
		}
		e.Timestamp = occurredAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
