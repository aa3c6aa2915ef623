package stateres

import (
	"context"

	"github.com/tidwall/gjson"
)

// AuthCheck exposes the auth rule engine (C3) for callers validating a
// single event outside of full resolution, using the compiled-in room
// version capability table.
func AuthCheck(ctx context.Context, roomVersion RoomVersion, event Event, authState StateMap, fetch FetchFunc) error {
	return AuthCheckWithCapabilities(ctx, roomVersion, DefaultRoomVersions, event, authState, fetch)
}

// AuthCheckWithCapabilities is AuthCheck with an explicit room version
// table, letting callers (notably Resolve, via ResolveOptions) plug in a
// config-loaded overlay of DefaultRoomVersions.
func AuthCheckWithCapabilities(ctx context.Context, roomVersion RoomVersion, table map[RoomVersion]Capabilities, event Event, authState StateMap, fetch FetchFunc) error {
	caps, err := capabilitiesFor(roomVersion, table)
	if err != nil {
		return err
	}
	return allowed(ctx, caps, event, authState, fetch)
}

// allowed is the entry point the resolver replays events through. A nil
// error means authorized; an *authDenial or *InvalidEventError means denied
// (non-fatal to replay, via IsDenial); an *EventNotFoundError is fatal.
func allowed(ctx context.Context, caps Capabilities, event Event, authState StateMap, fetch FetchFunc) error {
	if event.Type() == MRoomCreate {
		return createEventAllowed(event)
	}

	if err := checkAuthEventsSubset(ctx, event, fetch); err != nil {
		return err
	}

	view := authStateView{ctx: ctx, state: authState, fetch: fetch}

	if event.Type() != MRoomMember {
		senderMembership, err := view.Member(event.Sender())
		if err != nil {
			return err
		}
		if senderMembership != MembershipJoin {
			return denyf("sender %s is not joined to the room", event.Sender())
		}
	}

	switch event.Type() {
	case MRoomMember:
		return memberEventAllowed(event, caps, view)
	case MRoomPowerLevels:
		return powerLevelsEventAllowed(event, view)
	case MRoomRedaction:
		return redactionEventAllowed(ctx, event, view, fetch)
	default:
		return defaultEventAllowed(event, view)
	}
}

// checkAuthEventsSubset enforces spec §4.3 pre-check 1's "no extras" half:
// every auth_events entry an event declares must name a state event whose
// (type, state_key) is one AuthTypesForEvent says this event shape is
// entitled to cite. The "no omissions" half is deliberately not enforced
// as a blanket rule here — see DESIGN.md's Open Question decision: a room's
// earliest events (e.g. the creator's own join, declared before any
// m.room.power_levels exists) legitimately omit auth types that simply
// have no state event yet. Missing auth dependencies still deny downstream,
// just via the ordinary rule for that missing role (e.g. an absent sender
// membership reads as "leave" and fails the "must be joined" check) rather
// than this blanket structural check.
func checkAuthEventsSubset(ctx context.Context, event Event, fetch FetchFunc) error {
	var stateKeyPtr *string
	if sk, ok := event.StateKey(); ok {
		stateKeyPtr = &sk
	}
	needed := AuthTypesForEvent(event.Type(), event.Sender(), stateKeyPtr, event.Content())

	for _, id := range event.AuthEvents() {
		aev, ok := fetch(ctx, id)
		if !ok {
			return &EventNotFoundError{EventID: id}
		}
		sk, isState := aev.StateKey()
		if !isState {
			return denyf("auth event %s is not a state event", id)
		}
		tuple := StateKeyTuple{Type: aev.Type(), StateKey: sk}
		if _, ok := needed[tuple]; !ok {
			return denyf("auth event %s of type %s/%s is not a permitted auth dependency of %s", id, aev.Type(), sk, event.Type())
		}
	}
	return nil
}

func createEventAllowed(event Event) error {
	if len(event.PrevEvents()) != 0 {
		return denyf("create event must have no prev_events")
	}
	if len(event.AuthEvents()) != 0 {
		return denyf("create event must have no auth_events")
	}
	creator := gjson.GetBytes(event.Content(), "creator").String()
	if creator == "" {
		return &InvalidEventError{EventID: event.EventID(), Reason: "create event missing content.creator"}
	}
	return nil
}

// authStateView answers the role-based questions the auth rules need
// (Create/PowerLevels/JoinRules/Member/ThirdPartyInvite), looking each one
// up in the supplied state map and decoding its content on demand.
type authStateView struct {
	ctx   context.Context
	state StateMap
	fetch FetchFunc
}

func (v authStateView) lookup(tuple StateKeyTuple) (Event, bool, error) {
	id, ok := v.state[tuple]
	if !ok {
		return nil, false, nil
	}
	ev, ok := v.fetch(v.ctx, id)
	if !ok {
		return nil, false, &EventNotFoundError{EventID: id}
	}
	return ev, true, nil
}

func (v authStateView) Create() (creator string, found bool, err error) {
	ev, found, err := v.lookup(StateKeyTuple{Type: MRoomCreate})
	if err != nil || !found {
		return "", found, err
	}
	creator = gjson.GetBytes(ev.Content(), "creator").String()
	return creator, creator != "", nil
}

func (v authStateView) PowerLevels() (PowerLevelContent, error) {
	pl, _, err := v.PowerLevelsFound()
	return pl, err
}

// PowerLevelsFound is PowerLevels plus whether a real m.room.power_levels
// event backs the result, as opposed to the protocol-default snapshot used
// when none exists yet. powerLevelsEventAllowed needs this distinction:
// auth rule 10b allows a room's first power_levels event unconditionally,
// since there is no prior authority to check it against.
func (v authStateView) PowerLevelsFound() (PowerLevelContent, bool, error) {
	ev, found, err := v.lookup(StateKeyTuple{Type: MRoomPowerLevels})
	if err != nil {
		return PowerLevelContent{}, false, err
	}
	if !found {
		return zeroPowerLevels(), false, nil
	}
	pl, err := parsePowerLevelContent(ev.Content())
	if err != nil {
		if invalid, ok := err.(*InvalidEventError); ok {
			invalid.EventID = ev.EventID()
		}
		return PowerLevelContent{}, false, err
	}
	return pl, true, nil
}

func (v authStateView) JoinRules() (string, error) {
	ev, found, err := v.lookup(StateKeyTuple{Type: MRoomJoinRules})
	if err != nil {
		return "", err
	}
	if !found {
		return JoinRuleInvite, nil
	}
	jr := gjson.GetBytes(ev.Content(), "join_rule").String()
	if jr == "" {
		return JoinRuleInvite, nil
	}
	return jr, nil
}

// Member returns the target user's membership, defaulting to "leave" (the
// state of a user who has never been a member) when no m.room.member event
// is in state for them.
func (v authStateView) Member(userID string) (string, error) {
	ev, found, err := v.lookup(StateKeyTuple{Type: MRoomMember, StateKey: userID})
	if err != nil {
		return "", err
	}
	if !found {
		return MembershipLeave, nil
	}
	m := gjson.GetBytes(ev.Content(), "membership").String()
	if m == "" {
		return "", &InvalidEventError{EventID: ev.EventID(), Reason: "member event missing content.membership"}
	}
	return m, nil
}

// ThirdPartyInviteMXID reports whether an m.room.third_party_invite state
// event for token is in scope, returning the key_validity_url of its first
// public key. It does not return an mxid: that event's content carries none.
func (v authStateView) ThirdPartyInviteMXID(token string) (mxid string, found bool, err error) {
	ev, found, err := v.lookup(StateKeyTuple{Type: MRoomThirdPartyInvite, StateKey: token})
	if err != nil || !found {
		return "", found, err
	}
	return gjson.GetBytes(ev.Content(), "public_keys.0.key_validity_url").String(), true, nil
}

func memberEventAllowed(event Event, caps Capabilities, view authStateView) error {
	targetUser, ok := event.StateKey()
	if !ok {
		return denyf("member event must be a state event")
	}
	senderUser := event.Sender()

	membership := gjson.GetBytes(event.Content(), "membership").String()
	if membership == "" {
		return &InvalidEventError{EventID: event.EventID(), Reason: "missing content.membership"}
	}

	oldMembership, err := view.Member(targetUser)
	if err != nil {
		return err
	}
	pl, err := view.PowerLevels()
	if err != nil {
		return err
	}
	senderLevel := pl.UserLevel(senderUser)
	targetLevel := pl.UserLevel(targetUser)

	switch membership {
	case MembershipJoin:
		return memberJoinAllowed(event, view, senderUser, targetUser, oldMembership)
	case MembershipInvite:
		return memberInviteAllowed(event, view, senderUser, targetUser, oldMembership, senderLevel, pl)
	case MembershipLeave:
		return memberLeaveAllowed(senderUser, targetUser, oldMembership, senderLevel, targetLevel, pl)
	case MembershipBan:
		return memberBanAllowed(senderUser, targetUser, oldMembership, senderLevel, targetLevel, pl)
	case MembershipKnock:
		return memberKnockAllowed(caps, view, oldMembership)
	default:
		return denyf("unknown membership value %q", membership)
	}
}

func memberJoinAllowed(event Event, view authStateView, sender, target, old string) error {
	if sender != target {
		return denyf("join target must equal sender")
	}
	if old == MembershipBan {
		return denyf("banned users cannot join")
	}
	if old == MembershipJoin || old == MembershipInvite {
		return nil
	}

	// The room creator may always join their own freshly-created room, even
	// before any m.room.join_rules event exists to say so.
	creator, hasCreator, err := view.Create()
	if err != nil {
		return err
	}
	if hasCreator && creator == target && old == MembershipLeave {
		return nil
	}

	joinRule, err := view.JoinRules()
	if err != nil {
		return err
	}
	if joinRule == JoinRulePublic && (old == MembershipLeave || old == MembershipKnock) {
		return nil
	}

	return denyf("%s is not permitted to join from membership %q under join_rule %q", target, old, joinRule)
}

func memberInviteAllowed(event Event, view authStateView, sender, target, old string, senderLevel int64, pl PowerLevelContent) error {
	if old == MembershipBan || old == MembershipJoin {
		return denyf("cannot invite a user who is banned or already joined")
	}

	if mxid, ok, err := thirdPartyInviteMXID(event); err != nil {
		return err
	} else if ok {
		if invited, found, err := view.ThirdPartyInviteMXID(tokenOf(event)); err != nil {
			return err
		} else if found && invited != "" {
			_ = mxid // the bound validity URL confirms the token is in scope
			return nil
		}
	}

	senderMembership, err := view.Member(sender)
	if err != nil {
		return err
	}
	if senderMembership != MembershipJoin {
		return denyf("inviter %s is not joined to the room", sender)
	}
	if senderLevel < pl.Invite {
		return denyf("inviter %s power %d below invite threshold %d", sender, senderLevel, pl.Invite)
	}
	return nil
}

func memberLeaveAllowed(sender, target, old string, senderLevel, targetLevel int64, pl PowerLevelContent) error {
	if sender == target {
		if old == MembershipJoin || old == MembershipInvite || old == MembershipKnock {
			return nil
		}
		return denyf("%s cannot leave from membership %q", sender, old)
	}

	// Kicking another user.
	if old == MembershipBan {
		return denyf("cannot unban via leave")
	}
	if senderLevel < pl.Kick || senderLevel <= targetLevel {
		return denyf("%s power %d insufficient to kick %s (power %d, threshold %d)", sender, senderLevel, target, targetLevel, pl.Kick)
	}
	return nil
}

func memberBanAllowed(sender, target, old string, senderLevel, targetLevel int64, pl PowerLevelContent) error {
	if senderLevel < pl.Ban || senderLevel <= targetLevel {
		return denyf("%s power %d insufficient to ban %s (power %d, threshold %d)", sender, senderLevel, target, targetLevel, pl.Ban)
	}
	return nil
}

func memberKnockAllowed(caps Capabilities, view authStateView, old string) error {
	if !caps.AllowKnocking {
		return denyf("knocking is not permitted by this room version")
	}
	joinRule, err := view.JoinRules()
	if err != nil {
		return err
	}
	if joinRule != JoinRuleKnock {
		return denyf("join_rule %q does not permit knocking", joinRule)
	}
	if old != MembershipLeave {
		return denyf("cannot knock from membership %q", old)
	}
	return nil
}

func thirdPartyInviteMXID(event Event) (string, bool, error) {
	mxid := gjson.GetBytes(event.Content(), "third_party_invite.signed.mxid").String()
	if mxid == "" {
		return "", false, nil
	}
	return mxid, true, nil
}

func tokenOf(event Event) string {
	return gjson.GetBytes(event.Content(), "third_party_invite.signed.token").String()
}

func powerLevelsEventAllowed(event Event, view authStateView) error {
	old, oldFound, err := view.PowerLevelsFound()
	if err != nil {
		return err
	}
	if !oldFound {
		// Auth rule 10b: a room's first power_levels event is allowed
		// unconditionally; there is no existing authority to check it
		// against, and the sender is the one establishing it.
		if _, err := parsePowerLevelContent(event.Content()); err != nil {
			if invalid, ok := err.(*InvalidEventError); ok {
				invalid.EventID = event.EventID()
			}
			return err
		}
		return nil
	}
	newPL, err := parsePowerLevelContent(event.Content())
	if err != nil {
		if invalid, ok := err.(*InvalidEventError); ok {
			invalid.EventID = event.EventID()
		}
		return err
	}

	senderLevel := old.UserLevel(event.Sender())

	scalarChanges := [][2]int64{
		{old.Ban, newPL.Ban},
		{old.Kick, newPL.Kick},
		{old.Redact, newPL.Redact},
		{old.Invite, newPL.Invite},
		{old.StateDefault, newPL.StateDefault},
		{old.EventsDefault, newPL.EventsDefault},
		{old.UsersDefault, newPL.UsersDefault},
	}
	for _, pair := range scalarChanges {
		if pair[0] == pair[1] {
			continue
		}
		if senderLevel < pair[0] || senderLevel < pair[1] {
			return denyf("sender power %d insufficient to change threshold from %d to %d", senderLevel, pair[0], pair[1])
		}
	}

	eventTypes := make(map[string]struct{})
	for t := range old.Events {
		eventTypes[t] = struct{}{}
	}
	for t := range newPL.Events {
		eventTypes[t] = struct{}{}
	}
	for t := range eventTypes {
		oldVal := old.EventLevel(t, true)
		newVal := newPL.EventLevel(t, true)
		if oldVal == newVal {
			continue
		}
		if senderLevel < oldVal || senderLevel < newVal {
			return denyf("sender power %d insufficient to change events[%q] level from %d to %d", senderLevel, t, oldVal, newVal)
		}
	}

	users := make(map[string]struct{})
	for u := range old.Users {
		users[u] = struct{}{}
	}
	for u := range newPL.Users {
		users[u] = struct{}{}
	}
	for u := range users {
		oldVal := old.UserLevel(u)
		newVal := newPL.UserLevel(u)
		if oldVal == newVal {
			continue
		}
		if senderLevel < oldVal || senderLevel < newVal {
			return denyf("sender power %d insufficient to change %s's level from %d to %d", senderLevel, u, oldVal, newVal)
		}
		if newVal < oldVal && senderLevel <= oldVal {
			return denyf("sender power %d must exceed %s's current power %d to demote them", senderLevel, u, oldVal)
		}
	}

	return nil
}

func defaultEventAllowed(event Event, view authStateView) error {
	pl, err := view.PowerLevels()
	if err != nil {
		return err
	}
	senderLevel := pl.UserLevel(event.Sender())
	required := pl.EventLevel(event.Type(), isStateEvent(event))
	if senderLevel < required {
		return denyf("sender %s power %d below required %d for %s", event.Sender(), senderLevel, required, event.Type())
	}
	return nil
}

func redactionEventAllowed(ctx context.Context, event Event, view authStateView, fetch FetchFunc) error {
	redactsID, ok := event.Redacts()
	if !ok {
		return denyf("redaction event missing redacts")
	}

	senderDomain, _ := domainOf(event.Sender())
	if target, found := fetch(ctx, redactsID); found {
		if targetDomain, ok := domainOf(target.Sender()); ok && senderDomain != "" && senderDomain == targetDomain {
			return nil
		}
	}

	pl, err := view.PowerLevels()
	if err != nil {
		return err
	}
	if pl.UserLevel(event.Sender()) >= pl.Redact {
		return nil
	}
	return denyf("%s lacks power to redact %s and is not on the same domain as its sender", event.Sender(), redactsID)
}
