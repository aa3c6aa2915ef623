package stateres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/stateres"
	"github.com/element-hq/stateres/internal/fixture"
)

// newBootstrapStore returns a Store preloaded with the standard
// create/join/power_levels/join_rules/bob/charlie chain, and the StateMap
// that chain resolves to, for tests to fork from.
func newBootstrapStore() (*fixture.Store, stateres.StateMap) {
	store := fixture.NewStore()
	store.AddAll(fixture.InitialEvents())
	base := store.StateAfter(stateres.StateMap{}, fixture.InitialEdges()...)
	return store, base
}

func TestResolveSingleForkReturnsItUnchanged(t *testing.T) {
	t.Parallel()

	_, base := newBootstrapStore()
	resolved, err := stateres.Resolve(context.Background(), stateres.RoomVersionV7, []stateres.StateMap{base}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, base, resolved)
}

func TestResolveBanVsJoinRaceBanWins(t *testing.T) {
	t.Parallel()

	store, base := newBootstrapStore()

	// Fork 1: alice bans bob.
	ban := fixture.New("$BAN", fixture.Alice, stateres.MRoomMember, fixture.StateKeyPtr(fixture.Bob),
		map[string]interface{}{"membership": stateres.MembershipBan},
		[]string{"$CREATE", "$IPOWER", "$IMA"}, []string{"$IMC"}).Build()
	store.Add(ban)
	fork1 := store.StateAfter(base, "$BAN")

	// Fork 2 (concurrent, doesn't see the ban): bob sends a message-ish
	// state change that re-affirms his own join (a resend some clients
	// produce after a reconnect), citing his own prior membership ($IMB)
	// the way a real client's auth_events would.
	rejoin := fixture.New("$REJOIN", fixture.Bob, stateres.MRoomMember, fixture.StateKeyPtr(fixture.Bob),
		map[string]interface{}{"membership": stateres.MembershipJoin},
		[]string{"$CREATE", "$IJR", "$IPOWER", "$IMB"}, []string{"$IMC"}).Build()
	store.Add(rejoin)
	fork2 := store.StateAfter(base, "$REJOIN")

	authChain1 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$BAN")
	authChain2 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$REJOIN")

	resolved, err := stateres.Resolve(
		context.Background(),
		stateres.RoomVersionV7,
		[]stateres.StateMap{fork1, fork2},
		[]map[string]struct{}{authChain1, authChain2},
		store.Fetch,
	)
	require.NoError(t, err)

	bobMembership := resolved[stateres.StateKeyTuple{Type: stateres.MRoomMember, StateKey: fixture.Bob}]
	assert.Equal(t, "$BAN", bobMembership, "a ban from a sufficiently powerful member must win over a conflicting self-rejoin")
}

func TestResolvePowerLevelsRacePicksHigherAuthoritySender(t *testing.T) {
	t.Parallel()

	store, base := newBootstrapStore()

	// Fork 1: alice (power 100) promotes bob to 50.
	grant := fixture.New("$GRANT", fixture.Alice, stateres.MRoomPowerLevels, fixture.StateKeyPtr(""),
		map[string]interface{}{"users": map[string]interface{}{fixture.Alice: 100, fixture.Bob: 50}},
		[]string{"$CREATE", "$IPOWER", "$IMA"}, []string{"$IMC"}).Build()
	store.Add(grant)
	fork1 := store.StateAfter(base, "$GRANT")

	// Fork 2: charlie (power 0, never granted any) attempts to self-promote
	// to 100. The auth rule engine should deny this outright during replay,
	// leaving the original $IPOWER in place on that fork's own replay, but
	// the resolver still needs to pick *a* result for the conflicted slot.
	selfPromote := fixture.New("$SELFPROMOTE", fixture.Charlie, stateres.MRoomPowerLevels, fixture.StateKeyPtr(""),
		map[string]interface{}{"users": map[string]interface{}{fixture.Alice: 100, fixture.Charlie: 100}},
		[]string{"$CREATE", "$IPOWER", "$IMC"}, []string{"$IMC"}).Build()
	store.Add(selfPromote)
	fork2 := store.StateAfter(base, "$SELFPROMOTE")

	authChain1 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$GRANT")
	authChain2 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$SELFPROMOTE")

	resolved, err := stateres.Resolve(
		context.Background(),
		stateres.RoomVersionV7,
		[]stateres.StateMap{fork1, fork2},
		[]map[string]struct{}{authChain1, authChain2},
		store.Fetch,
	)
	require.NoError(t, err)

	plID := resolved[stateres.StateKeyTuple{Type: stateres.MRoomPowerLevels}]
	assert.Equal(t, "$GRANT", plID, "charlie's self-promotion has no authority behind it and must lose to alice's legitimate grant")
}

func TestResolveUnconflictedStateSurvivesUntouched(t *testing.T) {
	t.Parallel()

	store, base := newBootstrapStore()

	// Both forks only disagree about the topic; join_rules, power_levels,
	// and the creator/members are identical and never enter the conflicted
	// set at all.
	topic1 := fixture.New("$TOPIC1", fixture.Alice, "m.room.topic", fixture.StateKeyPtr(""),
		map[string]interface{}{"topic": "hello"},
		[]string{"$CREATE", "$IPOWER", "$IMA"}, []string{"$IMC"}).Build()
	store.Add(topic1)
	fork1 := store.StateAfter(base, "$TOPIC1")

	topic2 := fixture.New("$TOPIC2", fixture.Alice, "m.room.topic", fixture.StateKeyPtr(""),
		map[string]interface{}{"topic": "goodbye"},
		[]string{"$CREATE", "$IPOWER", "$IMA"}, []string{"$IMC"}).Build()
	store.Add(topic2)
	fork2 := store.StateAfter(base, "$TOPIC2")

	authChain1 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$TOPIC1")
	authChain2 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$TOPIC2")

	resolved, err := stateres.Resolve(
		context.Background(),
		stateres.RoomVersionV7,
		[]stateres.StateMap{fork1, fork2},
		[]map[string]struct{}{authChain1, authChain2},
		store.Fetch,
	)
	require.NoError(t, err)

	assert.Equal(t, "$IPOWER", resolved[stateres.StateKeyTuple{Type: stateres.MRoomPowerLevels}])
	assert.Equal(t, "$IJR", resolved[stateres.StateKeyTuple{Type: stateres.MRoomJoinRules}])
	assert.Equal(t, "$IMA", resolved[stateres.StateKeyTuple{Type: stateres.MRoomMember, StateKey: fixture.Alice}])

	topicID := resolved[stateres.StateKeyTuple{Type: "m.room.topic"}]
	assert.Equal(t, "$TOPIC2", topicID, "mainline order replays ties by ascending timestamp, so the later topic change wins")
}

func TestResolveDropsInvalidEventDuringReplayWithoutFailingResolution(t *testing.T) {
	t.Parallel()

	store, base := newBootstrapStore()

	// Fork 1: a corrupt member event for ella, missing content.membership
	// entirely (the kind of truncation a lossy transport could produce).
	malformed := fixture.New("$MALFORMED", fixture.Ella, stateres.MRoomMember, fixture.StateKeyPtr(fixture.Ella),
		map[string]interface{}{"not_membership": "join"},
		[]string{"$CREATE", "$IJR", "$IPOWER"}, []string{"$IMC"}).Build()
	store.Add(malformed)
	fork1 := store.StateAfter(base, "$MALFORMED")

	// Fork 2: a well-formed join for the same user, conflicting on the same
	// (m.room.member, ella) slot.
	wellFormed := fixture.New("$WELLFORMED", fixture.Ella, stateres.MRoomMember, fixture.StateKeyPtr(fixture.Ella),
		map[string]interface{}{"membership": stateres.MembershipJoin},
		[]string{"$CREATE", "$IJR", "$IPOWER"}, []string{"$IMC"}).Build()
	store.Add(wellFormed)
	fork2 := store.StateAfter(base, "$WELLFORMED")

	authChain1 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$MALFORMED")
	authChain2 := store.AuthChain("$CREATE", "$IMA", "$IPOWER", "$IJR", "$IMB", "$IMC", "$WELLFORMED")

	resolved, err := stateres.Resolve(
		context.Background(),
		stateres.RoomVersionV7,
		[]stateres.StateMap{fork1, fork2},
		[]map[string]struct{}{authChain1, authChain2},
		store.Fetch,
	)
	require.NoError(t, err, "an InvalidEventError during replay must be dropped as a denial, not propagated as a fatal Resolve error")

	ellaMembership := resolved[stateres.StateKeyTuple{Type: stateres.MRoomMember, StateKey: fixture.Ella}]
	assert.Equal(t, "$WELLFORMED", ellaMembership, "the malformed event is dropped during replay, leaving the well-formed one to apply")
}

func TestResolveUnsupportedRoomVersionFails(t *testing.T) {
	t.Parallel()

	_, base := newBootstrapStore()
	_, err := stateres.Resolve(context.Background(), stateres.RoomVersion("unknown"), []stateres.StateMap{base, base}, []map[string]struct{}{{}, {}}, nil)
	require.ErrorIs(t, err, stateres.ErrUnsupportedRoomVersion)
}
