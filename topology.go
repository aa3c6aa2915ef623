package stateres

import (
	"container/heap"
	"context"
)

// topologicalPowerSort orders eventIDs via Kahn's algorithm over the
// auth_events edges restricted to the given set (spec §4.5 Stage 3):
// ancestors in the auth DAG always precede their descendants. Among
// events simultaneously ready to be placed, ties break by descending
// sender power level (read from the power_levels event in that event's
// own auth_events, not the replay state), then ascending
// origin_server_ts, then ascending event id.
func topologicalPowerSort(ctx context.Context, eventIDs []string, fetch FetchFunc) ([]string, error) {
	set := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		set[id] = struct{}{}
	}

	events := make(map[string]Event, len(eventIDs))
	power := make(map[string]int64, len(eventIDs))
	dependents := make(map[string][]string, len(eventIDs))
	indegree := make(map[string]int, len(eventIDs))

	for _, id := range eventIDs {
		ev, ok := fetch(ctx, id)
		if !ok {
			return nil, &EventNotFoundError{EventID: id}
		}
		events[id] = ev

		lvl, err := senderPowerLevel(ctx, ev, fetch)
		if err != nil {
			return nil, err
		}
		power[id] = lvl

		inSetDeps := 0
		for _, auth := range ev.AuthEvents() {
			if _, ok := set[auth]; ok {
				inSetDeps++
				dependents[auth] = append(dependents[auth], id)
			}
		}
		indegree[id] = inSetDeps
	}

	pq := &topoQueue{}
	heap.Init(pq)
	for _, id := range eventIDs {
		if indegree[id] == 0 {
			heap.Push(pq, topoNode{id: id, power: power[id], ts: events[id].OriginServerTS()})
		}
	}

	result := make([]string, 0, len(eventIDs))
	for pq.Len() > 0 {
		node := heap.Pop(pq).(topoNode)
		result = append(result, node.id)
		for _, dep := range dependents[node.id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				heap.Push(pq, topoNode{id: dep, power: power[dep], ts: events[dep].OriginServerTS()})
			}
		}
	}

	if len(result) != len(eventIDs) {
		return nil, ErrCycleDetected
	}
	return result, nil
}

// senderPowerLevel reads the sender's power level from the power_levels
// event named in event's own auth_events, falling back to the all-defaults
// snapshot if it declares none (true only for the create event and the
// room's earliest events).
func senderPowerLevel(ctx context.Context, event Event, fetch FetchFunc) (int64, error) {
	for _, id := range event.AuthEvents() {
		aev, ok := fetch(ctx, id)
		if !ok {
			continue
		}
		if aev.Type() == MRoomPowerLevels {
			pl, err := parsePowerLevelContent(aev.Content())
			if err != nil {
				return 0, err
			}
			return pl.UserLevel(event.Sender()), nil
		}
	}
	return zeroPowerLevels().UserLevel(event.Sender()), nil
}

type topoNode struct {
	id    string
	power int64
	ts    int64
}

// topoQueue is a container/heap priority queue: Pop yields the highest
// power level first, ties broken by earliest timestamp then
// lexicographically smallest event id.
type topoQueue []topoNode

func (q topoQueue) Len() int { return len(q) }

func (q topoQueue) Less(i, j int) bool {
	if q[i].power != q[j].power {
		return q[i].power > q[j].power
	}
	if q[i].ts != q[j].ts {
		return q[i].ts < q[j].ts
	}
	return q[i].id < q[j].id
}

func (q topoQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *topoQueue) Push(x interface{}) { *q = append(*q, x.(topoNode)) }

func (q *topoQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
