package stateres

import (
	"context"
	"sort"
)

// StateMap is a snapshot of room state: (event type, state key) -> event id.
// Two state maps are equal iff they have identical key sets and per-key
// values; insertion order never matters.
type StateMap map[StateKeyTuple]string

// Clone returns a shallow, independent copy. The resolver never mutates a
// caller-supplied StateMap in place.
func (s StateMap) Clone() StateMap {
	out := make(StateMap, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// sortedKeys returns s's keys in a total, deterministic order so that any
// loop over them can't leak map iteration order into the resolver's output.
func (s StateMap) sortedKeys() []StateKeyTuple {
	keys := make([]StateKeyTuple, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].StateKey < keys[j].StateKey
	})
	return keys
}

// FetchFunc resolves an event id to its event, returning ok=false if the
// event is unknown. The resolver may call this repeatedly for the same id;
// callers that care should memoize (see the fetchcache package).
type FetchFunc func(ctx context.Context, eventID string) (ev Event, ok bool)

// authChain returns the transitive closure of eventIDs over auth_events
// edges (not prev_events), including the seed ids themselves.
func authChain(ctx context.Context, eventIDs []string, fetch FetchFunc) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(eventIDs)*2)
	stack := append([]string(nil), eventIDs...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		ev, ok := fetch(ctx, id)
		if !ok {
			return nil, &EventNotFoundError{EventID: id}
		}
		stack = append(stack, ev.AuthEvents()...)
	}

	return seen, nil
}

// authChainDifference computes the union of the per-state-map auth chains
// minus their intersection: the events that justify at least one fork's
// claims but aren't common ground between all of them.
func authChainDifference(ctx context.Context, stateSets []StateMap, fetch FetchFunc) (map[string]struct{}, error) {
	chains := make([]map[string]struct{}, len(stateSets))
	for i, sm := range stateSets {
		ids := make([]string, 0, len(sm))
		for _, k := range sm.sortedKeys() {
			ids = append(ids, sm[k])
		}
		chain, err := authChain(ctx, ids, fetch)
		if err != nil {
			return nil, err
		}
		chains[i] = chain
	}

	union := make(map[string]struct{})
	counts := make(map[string]int)
	for _, chain := range chains {
		for id := range chain {
			union[id] = struct{}{}
			counts[id]++
		}
	}

	diff := make(map[string]struct{})
	for id := range union {
		if counts[id] != len(chains) {
			diff[id] = struct{}{}
		}
	}
	return diff, nil
}

// partition splits the keys present across stateSets into the entries every
// state map agrees on (or that appear in only one map) and the entries in
// conflict, per spec §4.5 Stage 1.
func partition(stateSets []StateMap) (unconflicted StateMap, conflicted map[StateKeyTuple]map[string]struct{}) {
	unconflicted = make(StateMap)
	conflicted = make(map[StateKeyTuple]map[string]struct{})

	allKeys := make(map[StateKeyTuple]struct{})
	for _, sm := range stateSets {
		for k := range sm {
			allKeys[k] = struct{}{}
		}
	}

	keys := make([]StateKeyTuple, 0, len(allKeys))
	for k := range allKeys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].StateKey < keys[j].StateKey
	})

	for _, k := range keys {
		values := make(map[string]struct{})
		present := 0
		for _, sm := range stateSets {
			if v, ok := sm[k]; ok {
				values[v] = struct{}{}
				present++
			}
		}
		if present == 0 {
			continue
		}
		if len(values) == 1 {
			for v := range values {
				unconflicted[k] = v
			}
			continue
		}
		conflicted[k] = values
	}

	return unconflicted, conflicted
}
