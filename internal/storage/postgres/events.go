package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/elitecast/internal/event"
)

// StoredEvent is one row of the events table.
type StoredEvent struct {
	ID         int64
	Seq        uint64
	Type       string
	OccurredAt *time.Time
	Payload    json.RawMessage
	RecordedAt time.Time
}

// EventRepository records backlog events.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository creates an EventRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Record inserts e. It satisfies backlog.Sink.
//
// Precondition: e.Raw must be a JSON object.
// Postcondition: The event is stored, or a non-nil error is returned.
func (r *EventRepository) Record(ctx context.Context, e event.Event) error {
	var occurred *time.Time
	if !e.Timestamp.IsZero() {
		ts := e.Timestamp
		occurred = &ts
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO events (seq, event_type, occurred_at, payload)
		 VALUES ($1, $2, $3, $4)`,
		int64(e.Seq), e.Type, occurred, []byte(e.Raw),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s (seq %d): %w", e.Type, e.Seq, err)
	}
	return nil
}

// Recent returns up to limit events of the given type, newest first. An
// empty eventType matches every type.
//
// Precondition: limit must be positive.
func (r *EventRepository) Recent(ctx context.Context, eventType string, limit int) ([]StoredEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, seq, event_type, occurred_at, payload, recorded_at
		 FROM events
		 WHERE $1 = '' OR event_type = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		eventType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredEvent, error) {
		var se StoredEvent
		var seq int64
		var payload []byte
		if err := row.Scan(&se.ID, &seq, &se.Type, &se.OccurredAt, &payload, &se.RecordedAt); err != nil {
			return StoredEvent{}, err
		}
		se.Seq = uint64(seq)
		se.Payload = payload
		return se, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning events: %w", err)
	}
	return out, nil
}

// Count returns the number of stored events.
func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}
