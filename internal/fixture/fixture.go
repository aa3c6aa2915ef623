// Package fixture builds synthetic room DAGs for tests, the way
// ruma-state-res's test_utils module does: a small set of well-known user
// ids and a bootstrap chain of create/join/power_levels/join_rules events,
// plus helpers for forking conflicting state off of it.
package fixture

import (
	"context"
	"encoding/json"

	"go.uber.org/atomic"

	"github.com/element-hq/stateres"
)

// Well-known fixture identifiers, named the way ruma-state-res's alice(),
// bob(), charlie() helpers are.
const (
	Alice   = "@alice:example.org"
	Bob     = "@bob:example.org"
	Charlie = "@charlie:example.org"
	Ella    = "@ella:example.org"
	RoomID  = "!test:example.org"
)

// serverTimestamp is a monotonic counter standing in for origin_server_ts,
// mirroring ruma-state-res's AtomicU64 SERVER_TIMESTAMP: tests need a
// strictly increasing timestamp per event without depending on wall-clock
// time, so mainline/power-sort tie-breaks are deterministic.
var serverTimestamp = atomic.NewInt64(0)

// Builder assembles one fixture event's fields before freezing it into a
// stateres.JSONEvent.
type Builder struct {
	ID         string
	Sender     string
	Type       string
	StateKey   *string
	Content    map[string]interface{}
	AuthEvents []string
	PrevEvents []string
	Depth      int64
}

// StateKeyPtr is a small convenience for building Builder.StateKey.
func StateKeyPtr(s string) *string { return &s }

// New assembles a fixture event's Builder, mirroring ruma-state-res's
// to_pdu_event. The shared timestamp counter advances when Build is called,
// so origin_server_ts strictly increases in Build order across a whole test.
func New(id, sender, eventType string, stateKey *string, content map[string]interface{}, authEvents, prevEvents []string) Builder {
	return Builder{
		ID: id, Sender: sender, Type: eventType, StateKey: stateKey,
		Content: content, AuthEvents: authEvents, PrevEvents: prevEvents,
	}
}

// Build freezes b into a concrete event, stamping its origin_server_ts.
func (b Builder) Build() stateres.JSONEvent {
	ts := serverTimestamp.Inc()
	doc := map[string]interface{}{
		"event_id":         b.ID,
		"room_id":          RoomID,
		"sender":           b.Sender,
		"type":             b.Type,
		"content":          b.Content,
		"prev_events":      nonNil(b.PrevEvents),
		"auth_events":      nonNil(b.AuthEvents),
		"depth":            b.Depth,
		"origin_server_ts": ts,
	}
	if b.StateKey != nil {
		doc["state_key"] = *b.StateKey
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return stateres.NewJSONEvent(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// InitialEvents returns the standard bootstrap fixture shared by the
// conflict scenarios: alice creates the room and joins it, grants herself
// power, opens the join_rules to the public, and bob and charlie join.
// This is the Go equivalent of ruma-state-res's INITIAL_EVENTS/
// INITIAL_EDGES pair.
func InitialEvents() map[string]stateres.JSONEvent {
	events := make(map[string]stateres.JSONEvent, 6)

	events["$CREATE"] = New("$CREATE", Alice, stateres.MRoomCreate, StateKeyPtr(""),
		map[string]interface{}{"creator": Alice}, nil, nil).Build()

	events["$IMA"] = New("$IMA", Alice, stateres.MRoomMember, StateKeyPtr(Alice),
		map[string]interface{}{"membership": stateres.MembershipJoin},
		[]string{"$CREATE"}, []string{"$CREATE"}).Build()

	events["$IPOWER"] = New("$IPOWER", Alice, stateres.MRoomPowerLevels, StateKeyPtr(""),
		map[string]interface{}{"users": map[string]interface{}{Alice: 100}},
		[]string{"$CREATE", "$IMA"}, []string{"$IMA"}).Build()

	events["$IJR"] = New("$IJR", Alice, stateres.MRoomJoinRules, StateKeyPtr(""),
		map[string]interface{}{"join_rule": stateres.JoinRulePublic},
		[]string{"$CREATE", "$IMA", "$IPOWER"}, []string{"$IPOWER"}).Build()

	events["$IMB"] = New("$IMB", Bob, stateres.MRoomMember, StateKeyPtr(Bob),
		map[string]interface{}{"membership": stateres.MembershipJoin},
		[]string{"$CREATE", "$IJR", "$IPOWER"}, []string{"$IJR"}).Build()

	events["$IMC"] = New("$IMC", Charlie, stateres.MRoomMember, StateKeyPtr(Charlie),
		map[string]interface{}{"membership": stateres.MembershipJoin},
		[]string{"$CREATE", "$IJR", "$IPOWER"}, []string{"$IMB"}).Build()

	return events
}

// InitialEdges is the linear prev_events chain the bootstrap fixture
// forms, in creation order.
func InitialEdges() []string {
	return []string{"$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC"}
}

// Store is an in-memory event set a test builds up, exposing both a
// stateres.FetchFunc and helpers for deriving the StateMap and auth chain
// a fork's test input needs.
type Store struct {
	events map[string]stateres.Event
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{events: make(map[string]stateres.Event)}
}

// Add inserts a single event.
func (s *Store) Add(ev stateres.Event) { s.events[ev.EventID()] = ev }

// AddAll inserts every event in evs.
func (s *Store) AddAll(evs map[string]stateres.JSONEvent) {
	for id, ev := range evs {
		s.events[id] = ev
	}
}

// Fetch implements stateres.FetchFunc against the store.
func (s *Store) Fetch(_ context.Context, id string) (stateres.Event, bool) {
	ev, ok := s.events[id]
	return ev, ok
}

// StateAfter folds each state event in ids, in order, over base: later
// events overwrite their (type, state_key) slot. This builds a fork's
// StateMap input directly from known-good fixture events, without running
// the auth rule engine — it is a test input builder, not a resolver.
func (s *Store) StateAfter(base stateres.StateMap, ids ...string) stateres.StateMap {
	out := base.Clone()
	for _, id := range ids {
		ev, ok := s.events[id]
		if !ok {
			continue
		}
		if sk, isState := ev.StateKey(); isState {
			out[stateres.StateKeyTuple{Type: ev.Type(), StateKey: sk}] = id
		}
	}
	return out
}

// AuthChain returns every id reachable from seeds via auth_events,
// including the seeds themselves.
func (s *Store) AuthChain(seeds ...string) map[string]struct{} {
	seen := make(map[string]struct{})
	stack := append([]string(nil), seeds...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ev, ok := s.events[id]
		if !ok {
			continue
		}
		stack = append(stack, ev.AuthEvents()...)
	}
	return seen
}
