package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in the bus_events table. Schema:
//
//	CREATE TABLE bus_events (
//	    event_id      UUID PRIMARY KEY,
//	    event_type    TEXT NOT NULL,
//	    payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
//	    tenant_id     TEXT NOT NULL DEFAULT '',
//	    user_id       TEXT NOT NULL DEFAULT '',
//	    correlation_id TEXT NOT NULL DEFAULT '',
//	    causation_id  TEXT NOT NULL DEFAULT '',
//	    trace_id      TEXT NOT NULL DEFAULT '',
//	    source        TEXT NOT NULL DEFAULT '',
//	    priority      TEXT NOT NULL DEFAULT 'normal',
//	    status        TEXT NOT NULL DEFAULT 'pending',
//	    retry_count   INT NOT NULL DEFAULT 0,
//	    max_retries   INT NOT NULL DEFAULT 3,
//	    error_message TEXT NOT NULL DEFAULT '',
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("db pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

const busEventColumns = `event_id, event_type, payload, tenant_id, user_id, correlation_id, causation_id, trace_id, source, priority, status, retry_count, max_retries, error_message, created_at, updated_at`

func (s *PostgresStore) Save(ctx context.Context, rec *EventRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bus_events (`+busEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (event_id) DO UPDATE
		SET status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`, rec.EventID, rec.EventType, payload, rec.Metadata.TenantID, rec.Metadata.UserID,
		rec.Metadata.CorrelationID, rec.Metadata.CausationID, rec.Metadata.TraceID, rec.Metadata.Source,
		string(rec.Priority), string(rec.Status), rec.RetryCount, rec.MaxRetries, rec.ErrorMessage,
		rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+busEventColumns+`
		FROM bus_events
		WHERE event_id = $1
	`, eventID)
	rec, err := scanBusEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*EventRecord, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if f.EventType != "" {
		args = append(args, f.EventType)
		clauses = append(clauses, "event_type = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		clauses = append(clauses, "tenant_id = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + busEventColumns + ` FROM bus_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*EventRecord, 0, 16)
	for rows.Next() {
		rec, err := scanBusEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBusEvent(row pgx.Row) (*EventRecord, error) {
	var rec EventRecord
	var payload []byte
	var priority, status string
	if err := row.Scan(
		&rec.EventID, &rec.EventType, &payload, &rec.Metadata.TenantID, &rec.Metadata.UserID,
		&rec.Metadata.CorrelationID, &rec.Metadata.CausationID, &rec.Metadata.TraceID, &rec.Metadata.Source,
		&priority, &status, &rec.RetryCount, &rec.MaxRetries, &rec.ErrorMessage,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Priority = Priority(priority)
	rec.Status = Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
