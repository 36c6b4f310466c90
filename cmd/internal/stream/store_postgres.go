package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"concord/cmd/internal/protocol"
)

// PostgresStore is an EventStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "concord").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("stream: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("stream: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed EventStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "concord",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("stream: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Record inserts one event, ignoring duplicates by event ID.
func (s *PostgresStore) Record(ctx context.Context, evt *protocol.Event) error {
	if s == nil || s.pool == nil {
		return errors.New("stream: nil store")
	}
	if evt == nil || evt.ID == "" || evt.RoomID == "" {
		return errors.New("stream: invalid event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	events := pgIdent(s.schema, "room_events")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+events+` (event_id, room_id, event_ts, event)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		evt.ID, evt.RoomID, evt.Timestamp, raw,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// FetchOlder returns up to limit events older than beforeTS in chronological order.
func (s *PostgresStore) FetchOlder(ctx context.Context, roomID string, beforeTS int64, limit int) ([]*protocol.Event, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("stream: nil store")
	}
	if roomID == "" {
		return nil, errors.New("stream: missing room id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	events := pgIdent(s.schema, "room_events")

	// Newest-first for the LIMIT, then reversed into chronological order.
	rows, err := s.pool.Query(ctx,
		`SELECT event
		   FROM `+events+`
		  WHERE room_id = $1 AND event_ts < $2
		  ORDER BY event_ts DESC, event_id DESC
		  LIMIT $3`,
		roomID, beforeTS, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*protocol.Event, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var evt protocol.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		out = append(out, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
