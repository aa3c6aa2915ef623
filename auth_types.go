package stateres

import "github.com/tidwall/gjson"

// AuthTypesForEvent declares which (type, state_key) slots an event of the
// given shape is entitled to cite in its auth_events. Pure function; callers
// use it to build the auth_events list for an event before submitting it,
// and the auth rule engine uses it to reject events whose auth_events cite
// anything outside this set. An event that omits some of these entries is
// not rejected by that check (see checkAuthEventsSubset).
func AuthTypesForEvent(eventType, sender string, stateKey *string, content []byte) map[StateKeyTuple]struct{} {
	needed := make(map[StateKeyTuple]struct{})

	if eventType == MRoomCreate {
		// The create event needs no auth state; it is the foundation.
		return needed
	}

	needed[StateKeyTuple{Type: MRoomCreate}] = struct{}{}
	needed[StateKeyTuple{Type: MRoomPowerLevels}] = struct{}{}
	needed[StateKeyTuple{Type: MRoomMember, StateKey: sender}] = struct{}{}

	if eventType != MRoomMember {
		return needed
	}

	needed[StateKeyTuple{Type: MRoomJoinRules}] = struct{}{}
	if stateKey != nil {
		needed[StateKeyTuple{Type: MRoomMember, StateKey: *stateKey}] = struct{}{}
	}

	if token, ok := thirdPartyInviteToken(content); ok {
		needed[StateKeyTuple{Type: MRoomThirdPartyInvite, StateKey: token}] = struct{}{}
	}

	return needed
}

// thirdPartyInviteToken extracts content.third_party_invite.signed.token
// from an m.room.member event's content, when the membership is an
// invite accepted via a third-party identity service.
func thirdPartyInviteToken(content []byte) (string, bool) {
	if len(content) == 0 || !gjson.ValidBytes(content) {
		return "", false
	}
	tok := gjson.GetBytes(content, "third_party_invite.signed.token")
	if !tok.Exists() || tok.String() == "" {
		return "", false
	}
	return tok.String(), true
}
