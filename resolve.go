package stateres

import (
	"context"
	"sort"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ResolveOptions lets a caller plug in a room version capability overlay
// and a logger, without changing Resolve's signature for the common case.
// The zero value uses DefaultRoomVersions and logrus's standard logger.
type ResolveOptions struct {
	RoomVersions map[RoomVersion]Capabilities
	Logger       *logrus.Logger
}

func (o ResolveOptions) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

func (o ResolveOptions) table() map[RoomVersion]Capabilities {
	if o.RoomVersions != nil {
		return o.RoomVersions
	}
	return DefaultRoomVersions
}

// Resolve computes the single state map a room's conflicting forks of
// state converge to, per the state resolution v2 algorithm (spec §4).
// stateSets is one state map per fork; authChainSets[i] is the transitive
// closure (over auth_events) of stateSets[i]'s event ids, precomputed by
// the caller (typically from a local auth-chain index) rather than walked
// here, mirroring how real federated homeservers avoid repeating that
// walk on every resolution. fetch resolves event ids the algorithm needs
// but doesn't already have as a precomputed set.
func Resolve(ctx context.Context, roomVersion RoomVersion, stateSets []StateMap, authChainSets []map[string]struct{}, fetch FetchFunc) (StateMap, error) {
	return ResolveWithOptions(ctx, roomVersion, stateSets, authChainSets, fetch, ResolveOptions{})
}

// ResolveWithOptions is Resolve with an explicit ResolveOptions, for
// callers that need a config-loaded room version table or a non-default
// logger (e.g. a request-scoped one carrying trace/request ids).
func ResolveWithOptions(ctx context.Context, roomVersion RoomVersion, stateSets []StateMap, authChainSets []map[string]struct{}, fetch FetchFunc, opts ResolveOptions) (StateMap, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stateres.Resolve")
	defer span.Finish()

	log := opts.logger().WithFields(logrus.Fields{
		"room_version": string(roomVersion),
		"num_forks":    len(stateSets),
	})
	start := time.Now()

	caps, err := capabilitiesFor(roomVersion, opts.table())
	if err != nil {
		resolveFailures.WithLabelValues(string(roomVersion), "unsupported_room_version").Inc()
		return nil, err
	}

	if len(stateSets) == 0 {
		return StateMap{}, nil
	}
	if len(stateSets) == 1 {
		return stateSets[0].Clone(), nil
	}

	unconflicted, conflicted := partition(stateSets)

	conflictedIDs := make(map[string]struct{})
	for _, values := range conflicted {
		for id := range values {
			conflictedIDs[id] = struct{}{}
		}
	}

	diff := authChainDifferenceFromSets(authChainSets)
	for id := range diff {
		conflictedIDs[id] = struct{}{}
	}

	var control, other []string
	for id := range conflictedIDs {
		ev, ok := fetch(ctx, id)
		if !ok {
			return nil, &EventNotFoundError{EventID: id}
		}
		if isControlEvent(ev) {
			control = append(control, id)
		} else {
			other = append(other, id)
		}
	}
	log = log.WithFields(logrus.Fields{"num_control": len(control), "num_other": len(other)})
	log.Debug("stateres: partitioned conflicted set")

	sortedControl, err := topologicalPowerSort(ctx, control, fetch)
	if err != nil {
		resolveFailures.WithLabelValues(string(roomVersion), "control_sort").Inc()
		return nil, err
	}

	partial := unconflicted.Clone()
	if err := replay(ctx, caps, sortedControl, partial, fetch, log); err != nil {
		resolveFailures.WithLabelValues(string(roomVersion), "control_replay").Inc()
		return nil, err
	}

	var root Event
	if rootID, ok := partial[StateKeyTuple{Type: MRoomPowerLevels}]; ok {
		rootEv, ok := fetch(ctx, rootID)
		if !ok {
			return nil, &EventNotFoundError{EventID: rootID}
		}
		root = rootEv
	}

	var sortedOther []string
	if root != nil {
		sortedOther, err = mainlineSort(ctx, other, root, fetch)
	} else {
		sortedOther, err = timestampSort(ctx, other, fetch)
	}
	if err != nil {
		resolveFailures.WithLabelValues(string(roomVersion), "other_sort").Inc()
		return nil, err
	}

	if err := replay(ctx, caps, sortedOther, partial, fetch, log); err != nil {
		resolveFailures.WithLabelValues(string(roomVersion), "other_replay").Inc()
		return nil, err
	}

	// Stage 5: unconflicted entries override whatever replay left in their slots.
	for k, v := range unconflicted {
		partial[k] = v
	}

	resolveDuration.WithLabelValues(string(roomVersion)).Observe(time.Since(start).Seconds())
	log.WithField("duration", time.Since(start)).Debug("stateres: resolution complete")
	return partial, nil
}

// replay walks ordered events against partial, applying each one that the
// auth rule engine allows and silently skipping denials (spec §4.5 Stages
// 3 and 4 share this same replay step, differing only in which ordering
// feeds it).
func replay(ctx context.Context, caps Capabilities, ordered []string, partial StateMap, fetch FetchFunc, log *logrus.Entry) error {
	for _, id := range ordered {
		ev, ok := fetch(ctx, id)
		if !ok {
			return &EventNotFoundError{EventID: id}
		}

		authState, err := declaredAuthState(ctx, ev, partial, fetch)
		if err != nil {
			return err
		}

		if err := allowed(ctx, caps, ev, authState, fetch); err != nil {
			if IsDenial(err) {
				log.WithFields(logrus.Fields{"event_id": id, "reason": err.Error()}).Debug("stateres: event denied during replay")
				continue
			}
			return err
		}

		if sk, isState := ev.StateKey(); isState {
			partial[StateKeyTuple{Type: ev.Type(), StateKey: sk}] = id
		}
	}
	return nil
}

// declaredAuthState builds the restricted state map an event is checked
// against: for each (type, state_key) slot named by the event's own
// auth_events, the value currently in partial for that slot (which may
// differ from what the event itself declared, if the event is being
// replayed against a fork that has since moved that slot along). Slots
// the event declares that partial has no value for yet are simply absent
// from the result; the auth rule engine's role accessors already treat an
// absent slot as its protocol default.
func declaredAuthState(ctx context.Context, event Event, partial StateMap, fetch FetchFunc) (StateMap, error) {
	out := make(StateMap, len(event.AuthEvents()))
	for _, id := range event.AuthEvents() {
		aev, ok := fetch(ctx, id)
		if !ok {
			return nil, &EventNotFoundError{EventID: id}
		}
		sk, isState := aev.StateKey()
		if !isState {
			continue
		}
		tuple := StateKeyTuple{Type: aev.Type(), StateKey: sk}
		if v, ok := partial[tuple]; ok {
			out[tuple] = v
		}
	}
	return out, nil
}

// isControlEvent reports whether e is one of the "control" events Stage 3
// sorts by power before anything else: power_levels, join_rules, or a
// member event recording someone else's ban/kick (a voluntary leave is
// not control; it can't change who is allowed to do what).
func isControlEvent(e Event) bool {
	switch e.Type() {
	case MRoomPowerLevels, MRoomJoinRules:
		return true
	case MRoomMember:
		sk, ok := e.StateKey()
		if !ok {
			return false
		}
		membership := gjson.GetBytes(e.Content(), "membership").String()
		return (membership == MembershipLeave || membership == MembershipBan) && sk != e.Sender()
	default:
		return false
	}
}

// timestampSort is the degenerate fallback for mainline ordering when no
// power_levels event exists anywhere in the replayed state (a room with no
// history of one, which only control-replay of Stage 3 could produce if
// every power_levels candidate was itself denied): order purely by
// ascending origin_server_ts, then ascending event id.
func timestampSort(ctx context.Context, eventIDs []string, fetch FetchFunc) ([]string, error) {
	type scored struct {
		id string
		ts int64
	}
	scoredEvents := make([]scored, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, ok := fetch(ctx, id)
		if !ok {
			return nil, &EventNotFoundError{EventID: id}
		}
		scoredEvents = append(scoredEvents, scored{id: id, ts: ev.OriginServerTS()})
	}
	sort.Slice(scoredEvents, func(i, j int) bool {
		if scoredEvents[i].ts != scoredEvents[j].ts {
			return scoredEvents[i].ts < scoredEvents[j].ts
		}
		return scoredEvents[i].id < scoredEvents[j].id
	})
	out := make([]string, len(scoredEvents))
	for i, s := range scoredEvents {
		out[i] = s.id
	}
	return out, nil
}

// authChainDifferenceFromSets computes the union of the caller-supplied
// per-fork auth chains minus their intersection (spec §3): the events
// that justify at least one fork's claims but aren't common ground
// between all of them.
func authChainDifferenceFromSets(authChainSets []map[string]struct{}) map[string]struct{} {
	union := make(map[string]struct{})
	counts := make(map[string]int)
	for _, chain := range authChainSets {
		for id := range chain {
			union[id] = struct{}{}
			counts[id]++
		}
	}

	diff := make(map[string]struct{})
	for id := range union {
		if counts[id] != len(authChainSets) {
			diff[id] = struct{}{}
		}
	}
	return diff
}
