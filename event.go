package stateres

import (
	"github.com/tidwall/gjson"
)

// StateKeyTuple identifies a single slot of room state: an event type paired
// with a state key. (event_type, state_key) -> event_id is the unit the
// resolver operates on.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

// Matrix event types the auth rule engine and resolver branch on.
const (
	MRoomCreate           = "m.room.create"
	MRoomMember           = "m.room.member"
	MRoomPowerLevels      = "m.room.power_levels"
	MRoomJoinRules        = "m.room.join_rules"
	MRoomThirdPartyInvite = "m.room.third_party_invite"
	MRoomRedaction        = "m.room.redaction"
	MRoomAliases          = "m.room.aliases"
)

// Membership values accepted in m.room.member content.membership.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// JoinRule values accepted in m.room.join_rules content.join_rule.
const (
	JoinRulePublic     = "public"
	JoinRuleInvite     = "invite"
	JoinRuleKnock      = "knock"
	JoinRuleRestricted = "restricted"
	JoinRulePrivate    = "private"
)

// Event is the read-only accessor capability the core requires from any
// event representation. It takes no ownership of the underlying data and the
// resolver never mutates what it returns.
//
// Implementations may back this with an eagerly-decoded struct or a lazily
// parsed JSON tree (see JSONEvent); the core only ever calls these methods.
type Event interface {
	EventID() string
	RoomID() string
	Sender() string
	Type() string
	// StateKey returns the state key and whether the event is a state event
	// at all (ok is false for message/non-state events).
	StateKey() (key string, ok bool)
	// Content returns the raw, still-encoded event content. Callers decode
	// the parts they need lazily, typically with gjson.
	Content() []byte
	// PrevEvents returns the event's prev_events in their declared order.
	PrevEvents() []string
	// AuthEvents returns the event's declared auth_events, order is
	// insignificant.
	AuthEvents() []string
	Depth() int64
	OriginServerTS() int64
	// Redacts returns the event id a redaction targets, and whether the
	// event is a redaction with that field set.
	Redacts() (eventID string, ok bool)
}

// JSONEvent is an Event backed by a raw JSON document, decoding fields
// lazily with gjson rather than unmarshaling the whole content tree up
// front. This mirrors the "parsed tree + event_type string, decode content
// lazily at auth-check time" guidance: the wider event-type taxonomy is a
// generated tagged union the core never needs to materialize.
type JSONEvent struct {
	raw gjson.Result
}

// NewJSONEvent wraps a raw Matrix event JSON document. The document must at
// minimum carry event_id, room_id, sender, type, prev_events and
// auth_events; state_key and content are optional/defaulted.
func NewJSONEvent(raw []byte) JSONEvent {
	return JSONEvent{raw: gjson.ParseBytes(raw)}
}

func (e JSONEvent) EventID() string { return e.raw.Get("event_id").String() }
func (e JSONEvent) RoomID() string  { return e.raw.Get("room_id").String() }
func (e JSONEvent) Sender() string  { return e.raw.Get("sender").String() }
func (e JSONEvent) Type() string    { return e.raw.Get("type").String() }

func (e JSONEvent) StateKey() (string, bool) {
	sk := e.raw.Get("state_key")
	if !sk.Exists() {
		return "", false
	}
	return sk.String(), true
}

func (e JSONEvent) Content() []byte {
	c := e.raw.Get("content")
	if !c.Exists() {
		return []byte("{}")
	}
	return []byte(c.Raw)
}

func (e JSONEvent) PrevEvents() []string {
	return stringArray(e.raw.Get("prev_events"))
}

func (e JSONEvent) AuthEvents() []string {
	return stringArray(e.raw.Get("auth_events"))
}

func (e JSONEvent) Depth() int64 { return e.raw.Get("depth").Int() }

func (e JSONEvent) OriginServerTS() int64 { return e.raw.Get("origin_server_ts").Int() }

func (e JSONEvent) Redacts() (string, bool) {
	r := e.raw.Get("redacts")
	if !r.Exists() {
		return "", false
	}
	return r.String(), true
}

// stringArray reads a JSON array of strings, tolerating the legacy
// room-version-1 shape where prev_events/auth_events are pairs of
// [event_id, hashes] by taking only the first element of each pair.
func stringArray(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	arr := v.Array()
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if item.IsArray() {
			pair := item.Array()
			if len(pair) > 0 {
				out = append(out, pair[0].String())
			}
			continue
		}
		out = append(out, item.String())
	}
	return out
}

// isStateEvent reports whether e carries a state_key.
func isStateEvent(e Event) bool {
	_, ok := e.StateKey()
	return ok
}
