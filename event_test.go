package stateres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEventAccessors(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"event_id": "$abc:example.org",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"type": "m.room.member",
		"state_key": "@alice:example.org",
		"content": {"membership": "join"},
		"prev_events": ["$a:example.org"],
		"auth_events": ["$b:example.org", "$c:example.org"],
		"depth": 4,
		"origin_server_ts": 1000
	}`)

	ev := NewJSONEvent(raw)

	assert.Equal(t, "$abc:example.org", ev.EventID())
	assert.Equal(t, "!room:example.org", ev.RoomID())
	assert.Equal(t, "@alice:example.org", ev.Sender())
	assert.Equal(t, MRoomMember, ev.Type())
	sk, ok := ev.StateKey()
	require.True(t, ok)
	assert.Equal(t, "@alice:example.org", sk)
	assert.JSONEq(t, `{"membership":"join"}`, string(ev.Content()))
	assert.Equal(t, []string{"$a:example.org"}, ev.PrevEvents())
	assert.Equal(t, []string{"$b:example.org", "$c:example.org"}, ev.AuthEvents())
	assert.Equal(t, int64(4), ev.Depth())
	assert.Equal(t, int64(1000), ev.OriginServerTS())
	_, isRedaction := ev.Redacts()
	assert.False(t, isRedaction)
}

func TestJSONEventNonStateEventHasNoStateKey(t *testing.T) {
	t.Parallel()

	ev := NewJSONEvent([]byte(`{"event_id":"$m:example.org","type":"m.room.message","content":{"body":"hi"}}`))
	_, ok := ev.StateKey()
	assert.False(t, ok)
	assert.False(t, isStateEvent(ev))
}

func TestJSONEventMissingContentDefaultsToEmptyObject(t *testing.T) {
	t.Parallel()

	ev := NewJSONEvent([]byte(`{"event_id":"$m:example.org","type":"m.room.message"}`))
	assert.JSONEq(t, `{}`, string(ev.Content()))
}

func TestJSONEventRedacts(t *testing.T) {
	t.Parallel()

	ev := NewJSONEvent([]byte(`{"event_id":"$r:example.org","type":"m.room.redaction","redacts":"$target:example.org"}`))
	id, ok := ev.Redacts()
	require.True(t, ok)
	assert.Equal(t, "$target:example.org", id)
}

func TestStringArrayToleratesLegacyPairShape(t *testing.T) {
	t.Parallel()

	ev := NewJSONEvent([]byte(`{
		"event_id": "$v1:example.org",
		"type": "m.room.message",
		"prev_events": [["$a:example.org", {"sha256": "xyz"}]]
	}`))
	assert.Equal(t, []string{"$a:example.org"}, ev.PrevEvents())
}

func TestStringArrayNilForMissingField(t *testing.T) {
	t.Parallel()

	ev := NewJSONEvent([]byte(`{"event_id":"$m:example.org","type":"m.room.message"}`))
	assert.Nil(t, ev.PrevEvents())
	assert.Nil(t, ev.AuthEvents())
}
