// Package eventstore is a reference, non-authoritative fetch boundary
// backed by SQLite. Persistence is an external collaborator the core
// packages never depend on (spec §1); it gives callers something concrete
// to hand Resolve as a FetchFunc. The CLI does not use it; it serves events
// from its fixture file.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"github.com/element-hq/stateres"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT,
	has_state_key INTEGER NOT NULL,
	content BLOB NOT NULL,
	prev_events TEXT NOT NULL,
	auth_events TEXT NOT NULL,
	depth INTEGER NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	redacts TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_room_type_state ON events(room_id, type, state_key);
`

// Store is a minimal SQLite-backed event table.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path and ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put persists ev, overwriting the content of any existing row sharing its
// event id.
func (s *Store) Put(ctx context.Context, ev stateres.Event) error {
	prevEvents, err := json.Marshal(ev.PrevEvents())
	if err != nil {
		return err
	}
	authEvents, err := json.Marshal(ev.AuthEvents())
	if err != nil {
		return err
	}

	var stateKey sql.NullString
	hasStateKey := 0
	if sk, ok := ev.StateKey(); ok {
		stateKey = sql.NullString{String: sk, Valid: true}
		hasStateKey = 1
	}

	var redacts sql.NullString
	if id, ok := ev.Redacts(); ok {
		redacts = sql.NullString{String: id, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO events (event_id, room_id, sender, type, state_key, has_state_key, content, prev_events, auth_events, depth, origin_server_ts, redacts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET content = excluded.content`,
		ev.EventID(), ev.RoomID(), ev.Sender(), ev.Type(), stateKey, hasStateKey,
		ev.Content(), string(prevEvents), string(authEvents), ev.Depth(), ev.OriginServerTS(), redacts)
	return err
}

// Fetch implements stateres.FetchFunc against the store.
func (s *Store) Fetch(ctx context.Context, eventID string) (stateres.Event, bool) {
	row := s.db.QueryRowContext(ctx, `
SELECT event_id, room_id, sender, type, state_key, has_state_key, content, prev_events, auth_events, depth, origin_server_ts, redacts
FROM events WHERE event_id = ?`, eventID)

	var (
		id, roomID, sender, typ       string
		stateKey, redacts             sql.NullString
		hasStateKey                   int
		content                       []byte
		prevEventsJSON, authEventsJSON string
		depth, ts                     int64
	)
	if err := row.Scan(&id, &roomID, &sender, &typ, &stateKey, &hasStateKey, &content,
		&prevEventsJSON, &authEventsJSON, &depth, &ts, &redacts); err != nil {
		return nil, false
	}

	var prevEvents, authEvents []string
	_ = json.Unmarshal([]byte(prevEventsJSON), &prevEvents)
	_ = json.Unmarshal([]byte(authEventsJSON), &authEvents)

	return &storedEvent{
		id: id, roomID: roomID, sender: sender, typ: typ,
		stateKey: stateKey, hasStateKey: hasStateKey == 1,
		content: content, prevEvents: prevEvents, authEvents: authEvents,
		depth: depth, ts: ts, redacts: redacts,
	}, true
}

type storedEvent struct {
	id, roomID, sender, typ string
	stateKey                sql.NullString
	hasStateKey             bool
	content                 []byte
	prevEvents, authEvents  []string
	depth, ts               int64
	redacts                 sql.NullString
}

func (e *storedEvent) EventID() string { return e.id }
func (e *storedEvent) RoomID() string  { return e.roomID }
func (e *storedEvent) Sender() string  { return e.sender }
func (e *storedEvent) Type() string    { return e.typ }

func (e *storedEvent) StateKey() (string, bool) {
	if !e.hasStateKey {
		return "", false
	}
	return e.stateKey.String, true
}

func (e *storedEvent) Content() []byte       { return e.content }
func (e *storedEvent) PrevEvents() []string  { return e.prevEvents }
func (e *storedEvent) AuthEvents() []string  { return e.authEvents }
func (e *storedEvent) Depth() int64          { return e.depth }
func (e *storedEvent) OriginServerTS() int64 { return e.ts }

func (e *storedEvent) Redacts() (string, bool) {
	if !e.redacts.Valid {
		return "", false
	}
	return e.redacts.String, true
}
