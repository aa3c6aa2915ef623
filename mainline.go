package stateres

import (
	"context"
	"sort"
)

// mainlineChain returns the power_levels events forming the mainline,
// starting from root (the resolved power_levels event coming out of Stage
// 3) and walking back through each event's own power_levels auth
// dependency until none remains. chain[0] is root itself; chain[last] is
// the room's earliest power_levels event.
func mainlineChain(ctx context.Context, root Event, fetch FetchFunc) ([]Event, error) {
	chain := []Event{root}
	current := root
	seen := map[string]struct{}{root.EventID(): {}}

	for {
		next, err := powerLevelsAuthEvent(ctx, current, fetch)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		if _, ok := seen[next.EventID()]; ok {
			break
		}
		seen[next.EventID()] = struct{}{}
		chain = append(chain, next)
		current = next
	}

	return chain, nil
}

// powerLevelsAuthEvent returns the m.room.power_levels event named in e's
// own auth_events, or nil if it declares none.
func powerLevelsAuthEvent(ctx context.Context, e Event, fetch FetchFunc) (Event, error) {
	for _, id := range e.AuthEvents() {
		aev, ok := fetch(ctx, id)
		if !ok {
			return nil, &EventNotFoundError{EventID: id}
		}
		if aev.Type() == MRoomPowerLevels {
			return aev, nil
		}
	}
	return nil, nil
}

// mainlinePositions assigns each event in chain a position: chain[0] (the
// event closest to the resolved state) gets len(chain); chain[last] (the
// room's earliest power_levels event) gets 1.
func mainlinePositions(chain []Event) map[string]int {
	positions := make(map[string]int, len(chain))
	for i, ev := range chain {
		positions[ev.EventID()] = len(chain) - i
	}
	return positions
}

// mainlineDepth walks e's own power_levels ancestry until it reaches an
// event present in positions. An event whose chain of power_levels
// ancestors never meets the mainline at all gets depth 0, sorting before
// everything that does.
func mainlineDepth(ctx context.Context, e Event, positions map[string]int, fetch FetchFunc) (int, error) {
	current := e
	seen := map[string]struct{}{}
	for current != nil {
		if pos, ok := positions[current.EventID()]; ok {
			return pos, nil
		}
		if _, ok := seen[current.EventID()]; ok {
			return 0, nil
		}
		seen[current.EventID()] = struct{}{}

		next, err := powerLevelsAuthEvent(ctx, current, fetch)
		if err != nil {
			return 0, err
		}
		current = next
	}
	return 0, nil
}

// mainlineSort orders eventIDs by ascending mainline depth, breaking ties
// by ascending origin_server_ts then ascending event id (spec §4.5 Stage
// 4). root is the resolved power_levels event the mainline is built from.
func mainlineSort(ctx context.Context, eventIDs []string, root Event, fetch FetchFunc) ([]string, error) {
	chain, err := mainlineChain(ctx, root, fetch)
	if err != nil {
		return nil, err
	}
	positions := mainlinePositions(chain)

	type scored struct {
		id    string
		depth int
		ts    int64
	}
	scoredEvents := make([]scored, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, ok := fetch(ctx, id)
		if !ok {
			return nil, &EventNotFoundError{EventID: id}
		}
		depth, err := mainlineDepth(ctx, ev, positions, fetch)
		if err != nil {
			return nil, err
		}
		scoredEvents = append(scoredEvents, scored{id: id, depth: depth, ts: ev.OriginServerTS()})
	}

	sort.Slice(scoredEvents, func(i, j int) bool {
		if scoredEvents[i].depth != scoredEvents[j].depth {
			return scoredEvents[i].depth < scoredEvents[j].depth
		}
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
