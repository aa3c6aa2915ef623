package stateres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMainlineSortOrdersByDistanceFromRoot(t *testing.T) {
	t.Parallel()

	create := memberEvent("$create:example.org", "@alice:example.org", nil)
	pl1 := powerLevelsEvent("$pl1:example.org", "@alice:example.org", map[string]int64{"@alice:example.org": 100}, []string{"$create:example.org"}, 1)
	pl2 := powerLevelsEvent("$pl2:example.org", "@alice:example.org", map[string]int64{"@alice:example.org": 100, "@bob:example.org": 50}, []string{"$pl1:example.org"}, 2)

	// nearA descends from pl2 directly; nearB descends from pl1 only.
	nearA := memberEvent("$neara:example.org", "@alice:example.org", []string{"$pl2:example.org"})
	nearB := memberEvent("$nearb:example.org", "@bob:example.org", []string{"$pl1:example.org"})

	events := map[string]Event{
		create.EventID(): create,
		pl1.EventID():    pl1,
		pl2.EventID():    pl2,
		nearA.EventID():  nearA,
		nearB.EventID():  nearB,
	}

	order, err := mainlineSort(context.Background(), []string{"$neara:example.org", "$nearb:example.org"}, pl2, fetchFromMap(events))
	require.NoError(t, err)

	// nearB's nearest mainline ancestor (pl1) is farther from root (pl2)
	// than nearA's (pl2 itself), so nearB gets a smaller mainline
	// position and sorts first.
	assert.Equal(t, []string{"$nearb:example.org", "$neara:example.org"}, order)
}

func TestMainlineDepthZeroForDisconnectedEvent(t *testing.T) {
	t.Parallel()

	pl := powerLevelsEvent("$pl:example.org", "@alice:example.org", map[string]int64{"@alice:example.org": 100}, nil, 1)
	disconnected := memberEvent("$d:example.org", "@carol:example.org", nil)

	events := map[string]Event{pl.EventID(): pl, disconnected.EventID(): disconnected}
	positions := mainlinePositions([]Event{pl})

	depth, err := mainlineDepth(context.Background(), disconnected, positions, fetchFromMap(events))
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestMainlineChainFollowsPowerLevelsAncestry(t *testing.T) {
	t.Parallel()

	create := memberEvent("$create:example.org", "@alice:example.org", nil)
	pl1 := powerLevelsEvent("$pl1:example.org", "@alice:example.org", map[string]int64{"@alice:example.org": 100}, []string{"$create:example.org"}, 1)
	pl2 := powerLevelsEvent("$pl2:example.org", "@alice:example.org", map[string]int64{"@alice:example.org": 100}, []string{"$pl1:example.org"}, 2)

	events := map[string]Event{create.EventID(): create, pl1.EventID(): pl1, pl2.EventID(): pl2}

	chain, err := mainlineChain(context.Background(), pl2, fetchFromMap(events))
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "$pl2:example.org", chain[0].EventID())
	assert.Equal(t, "$pl1:example.org", chain[1].EventID())
}
