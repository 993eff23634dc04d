// internal/eventstore/postgres.go
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	metadata JSONB,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_id, version);
`

// EventStore is the Postgres-backed journal.
type EventStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:      db,
		dialect: goqu.Dialect("postgres"),
		tracer:  otel.Tracer("libralend/eventstore"),
	}
}

// Migrate creates the events table if it is missing.
func (es *EventStore) Migrate(ctx context.Context) error {
	if _, err := es.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate events: %w", err)
	}
	return nil
}

// AppendEvents atomically appends events after checking that the stream is at expectedVersion.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	tx, err := es.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	if err := tx.GetContext(ctx, &currentVersion,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID); err != nil {
		return fmt.Errorf("query current version: %w", err)
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, event := range events {
		version := expectedVersion + i + 1
		metadata, err := codec.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata %d: %w", i, err)
		}

		var eventID int64
		err = stmt.QueryRowxContext(ctx,
			aggregateID,
			aggregateType,
			event.EventType,
			[]byte(event.EventData),
			metadata,
			version,
			time.Now().UTC(),
		).Scan(&eventID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type eventRow struct {
	Event
	MetadataJSON []byte `db:"metadata"`
}

func (r eventRow) event() Event {
	e := r.Event
	if len(r.MetadataJSON) > 0 {
		_ = codec.Unmarshal(r.MetadataJSON, &e.Metadata)
	}
	return e
}

var eventColumns = []interface{}{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at"}

// LoadEvents returns the events of one aggregate with fromVersion <= version <= toVersion.
// A toVersion of zero means no upper bound.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	where := goqu.Ex{"aggregate_id": aggregateID, "version": goqu.Op{"gte": fromVersion}}
	ds := es.dialect.From("events").Select(eventColumns...).Where(where)
	if toVersion > 0 {
		ds = ds.Where(goqu.C("version").Lte(toVersion))
	}
	query, args, err := ds.Order(goqu.C("version").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	events, err := es.selectEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version of an aggregate, zero if it has no events.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	var version int
	err := es.db.GetContext(ctx, &version,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return version, nil
}

// StreamEvents returns up to batchSize events across all aggregates with id > fromID.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	query, args, err := es.dialect.From("events").
		Select(eventColumns...).
		Where(goqu.C("id").Gt(fromID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return es.selectEvents(ctx, query, args...)
}

func (es *EventStore) selectEvents(ctx context.Context, query string, args ...interface{}) ([]Event, error) {
	var rows []eventRow
	if err := es.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}
